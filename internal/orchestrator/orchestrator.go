// Package orchestrator is the public entry point of the client: it turns
// configuration payloads into results by fingerprinting, cache lookup,
// submission and polling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"utspclient/internal/cache"
	"utspclient/internal/job"
	"utspclient/internal/poll"
	"utspclient/internal/request"
	"utspclient/internal/result"
	"utspclient/internal/transport"
)

const defaultMaxInFlight = 8

// Transport is the remote-service surface the orchestrator depends on.
// *transport.Client satisfies it.
type Transport interface {
	Submit(ctx context.Context, req request.Request) (string, error)
	QueryStatus(ctx context.Context, remoteID string) (job.Status, string, error)
	FetchResult(ctx context.Context, remoteID string) (result.Envelope, error)
}

// Outcome is the per-payload result of a Resolve call. Status is the terminal
// state the job reached; Err is set for every non-ready outcome.
type Outcome struct {
	Fingerprint string
	Status      job.Status
	Envelope    *result.Envelope
	Err         error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxInFlight bounds how many jobs are polled concurrently.
func WithMaxInFlight(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// Orchestrator coordinates the fingerprint/cache/submit/poll cycle. The cache
// is passed in explicitly: it is opened by the caller and closed at shutdown,
// so tests can inject isolated instances.
type Orchestrator struct {
	transport   Transport
	cache       *cache.Cache
	pollCfg     poll.Config
	maxInFlight int
}

func New(t Transport, c *cache.Cache, pollCfg poll.Config, opts ...Option) (*Orchestrator, error) {
	if t == nil {
		return nil, fmt.Errorf("orchestrator: transport is required")
	}
	if c == nil {
		return nil, fmt.Errorf("orchestrator: cache is required")
	}
	o := &Orchestrator{
		transport:   t,
		cache:       c,
		pollCfg:     pollCfg,
		maxInFlight: defaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Resolve processes each payload independently: cached ready results are
// returned without a remote call, cached in-flight jobs resume polling, and
// new payloads are submitted and polled. Independent jobs proceed
// concurrently up to the in-flight bound; one payload's failure never aborts
// the others. Duplicate payloads within one call share a single submission.
// Resolve returns once every payload reached a terminal status or its own
// deadline elapsed.
func (o *Orchestrator) Resolve(ctx context.Context, reqs []request.Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))

	// Fingerprint up front so duplicates collapse onto one job.
	firstIndex := make(map[string]int, len(reqs))
	duplicates := make(map[int]int)
	for i, req := range reqs {
		fp, err := request.Fingerprint(req)
		if err != nil {
			outcomes[i] = Outcome{Err: err, Status: job.StatusIndeterminable}
			continue
		}
		outcomes[i].Fingerprint = fp
		if first, seen := firstIndex[fp]; seen {
			duplicates[i] = first
			continue
		}
		firstIndex[fp] = i
	}

	var g errgroup.Group
	g.SetLimit(o.maxInFlight)
	for fp, i := range firstIndex {
		fp, i := fp, i
		g.Go(func() error {
			outcomes[i] = o.resolveOne(ctx, fp, reqs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, first := range duplicates {
		outcomes[i] = outcomes[first]
	}
	return outcomes
}

func (o *Orchestrator) resolveOne(ctx context.Context, fp string, req request.Request) Outcome {
	entry, ok, err := o.cache.Lookup(ctx, fp)
	if err != nil {
		return Outcome{Fingerprint: fp, Status: job.StatusIndeterminable, Err: err}
	}

	handle := job.NewHandle(fp)
	switch {
	case ok && entry.Status == job.StatusReady && entry.Envelope != nil:
		logrus.Debugf("resolve: cache hit for %s", fp)
		return Outcome{Fingerprint: fp, Status: job.StatusReady, Envelope: entry.Envelope}
	case ok && entry.Status == job.StatusUnknown:
		// The server lost track of this job. Resubmitting could repeat a
		// non-idempotent computation, so the caller must opt in with a
		// fresh request GUID.
		return Outcome{Fingerprint: fp, Status: job.StatusUnknown, Err: poll.ErrJobUnknown}
	case ok && !entry.Status.Terminal() && entry.RemoteID != "":
		// A previous run submitted this job; resume polling where it left
		// off instead of submitting again.
		logrus.Debugf("resolve: resuming %s as remote job %s", fp, entry.RemoteID)
		if err := handle.MarkSubmitted(entry.RemoteID, time.Now()); err != nil {
			return Outcome{Fingerprint: fp, Status: job.StatusIndeterminable, Err: err}
		}
	default:
		// No usable entry: fresh submission. Earlier error or
		// indeterminable outcomes are retried with a new submission, which
		// the monotonic cache merge permits (terminal to terminal).
		remoteID, err := o.submit(ctx, req)
		if err != nil {
			return Outcome{Fingerprint: fp, Status: job.StatusIndeterminable, Err: err}
		}
		if err := handle.MarkSubmitted(remoteID, time.Now()); err != nil {
			return Outcome{Fingerprint: fp, Status: job.StatusIndeterminable, Err: err}
		}
		o.persist(handle.Snapshot(), nil)
	}

	poller, err := poll.New(o.transport, o.pollCfg)
	if err != nil {
		return Outcome{Fingerprint: fp, Status: job.StatusIndeterminable, Err: err}
	}
	env, status, err := poller.Wait(ctx, handle, o.persist)
	return Outcome{Fingerprint: fp, Status: status, Envelope: env, Err: err}
}

// submit sends the request, retrying transient failures under the same
// budget and backoff floor the polling engine uses. Rejections surface
// immediately.
func (o *Orchestrator) submit(ctx context.Context, req request.Request) (string, error) {
	cfg := o.pollCfg
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	var lastErr error
	for attempt := 0; attempt < cfg.RetryBudget; attempt++ {
		remoteID, err := o.transport.Submit(ctx, req)
		if err == nil {
			return remoteID, nil
		}
		if !transport.IsTransient(err) {
			return "", err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cfg.InitialInterval):
		}
	}
	return "", fmt.Errorf("orchestrator: submit: %w: %w", poll.ErrRetriesExhausted, lastErr)
}

// persist writes every status transition to the cache so no job is ever
// silently dropped.
func (o *Orchestrator) persist(h job.Handle, env *result.Envelope) {
	status := h.Status
	if status == job.StatusSubmitted {
		status = job.StatusPending
	}
	entry := cache.Entry{
		Fingerprint: h.Fingerprint,
		Status:      status,
		RemoteID:    h.RemoteID,
		Envelope:    env,
	}
	if _, err := o.cache.Put(context.Background(), entry); err != nil {
		logrus.Warnf("resolve: persisting %s for %s: %v", status, h.Fingerprint, err)
	}
}

// SubmitOnly submits a payload without waiting for it, for callers that run
// their own polling cadence. A cached ready or in-flight entry short-circuits
// the submission.
func (o *Orchestrator) SubmitOnly(ctx context.Context, req request.Request) (job.Handle, error) {
	fp, err := request.Fingerprint(req)
	if err != nil {
		return job.Handle{}, err
	}
	handle := job.NewHandle(fp)
	entry, ok, err := o.cache.Lookup(ctx, fp)
	if err != nil {
		return job.Handle{}, err
	}
	if ok && entry.RemoteID != "" && (entry.Status == job.StatusReady || !entry.Status.Terminal()) {
		_ = handle.MarkSubmitted(entry.RemoteID, time.Now())
		_ = handle.Transition(entry.Status, time.Now())
		return handle.Snapshot(), nil
	}
	remoteID, err := o.submit(ctx, req)
	if err != nil {
		return job.Handle{}, err
	}
	if err := handle.MarkSubmitted(remoteID, time.Now()); err != nil {
		return job.Handle{}, err
	}
	o.persist(handle.Snapshot(), nil)
	return handle.Snapshot(), nil
}

// PollOnce performs a single status query for a previously submitted job and
// persists the observed state. It never blocks beyond one network call.
func (o *Orchestrator) PollOnce(ctx context.Context, h job.Handle) (job.Handle, *result.Envelope, error) {
	if h.RemoteID == "" {
		return h, nil, fmt.Errorf("orchestrator: handle has no remote job id")
	}
	if h.Status.Terminal() {
		return h, nil, nil
	}
	status, info, err := o.transport.QueryStatus(ctx, h.RemoteID)
	now := time.Now()
	if err != nil {
		return h, nil, err
	}
	switch status {
	case job.StatusReady:
		env, ferr := o.transport.FetchResult(ctx, h.RemoteID)
		if ferr != nil {
			_ = h.Transition(job.StatusError, now)
			o.persist(h, nil)
			return h, nil, fmt.Errorf("orchestrator: fetch after ready: %w", ferr)
		}
		env.Fingerprint = h.Fingerprint
		_ = h.Transition(job.StatusReady, now)
		o.persist(h, &env)
		return h, &env, nil
	case job.StatusError:
		_ = h.Transition(job.StatusError, now)
		o.persist(h, nil)
		return h, nil, &poll.RemoteError{Info: info}
	case job.StatusUnknown:
		_ = h.Transition(job.StatusUnknown, now)
		o.persist(h, nil)
		return h, nil, poll.ErrJobUnknown
	default:
		prev := h.Status
		if terr := h.Transition(status, now); terr == nil && h.Status != prev {
			o.persist(h, nil)
		}
		return h, nil, nil
	}
}

// Ready reports whether an outcome delivered a usable envelope.
func (out Outcome) Ready() bool {
	return out.Status == job.StatusReady && out.Envelope != nil && out.Err == nil
}

// IsUnknown reports whether the server lost track of the job, so the caller
// can decide whether resubmitting is safe.
func IsUnknown(err error) bool {
	return errors.Is(err, poll.ErrJobUnknown)
}
