// Package poll drives repeated status queries for one submitted job until it
// reaches a terminal state or its deadline.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"utspclient/internal/job"
	"utspclient/internal/result"
	"utspclient/internal/transport"
)

var (
	// ErrDeadline marks a job that stayed non-terminal past its deadline.
	ErrDeadline = errors.New("poll: deadline exceeded")
	// ErrRetriesExhausted marks a job whose transient-error budget ran out.
	ErrRetriesExhausted = errors.New("poll: retry budget exhausted")
	// ErrCancelled marks a wait that was cancelled by the caller.
	ErrCancelled = errors.New("poll: cancelled")
	// ErrJobUnknown marks a job the server has no record of.
	ErrJobUnknown = errors.New("poll: job unknown to server")
)

// RemoteError carries the diagnostic attached to a server-reported failure.
type RemoteError struct {
	Info string
}

func (e *RemoteError) Error() string {
	if e.Info == "" {
		return "poll: server reported calculation failure"
	}
	return "poll: server reported calculation failure: " + e.Info
}

// StatusClient is the slice of the transport that the poller needs.
type StatusClient interface {
	QueryStatus(ctx context.Context, remoteID string) (job.Status, string, error)
	FetchResult(ctx context.Context, remoteID string) (result.Envelope, error)
}

// Config bounds one polling loop. Real workloads can take minutes to hours,
// so the interval grows multiplicatively up to a cap instead of hammering the
// server at a fixed rate.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Factor          float64
	Deadline        time.Duration
	RetryBudget     int
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	if c.Deadline <= 0 {
		c.Deadline = time.Hour
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	return c
}

// Transition is invoked with a read-only snapshot after every handle change,
// so the caller can persist progress. The envelope is non-nil only for the
// ready state.
type Transition func(h job.Handle, env *result.Envelope)

// Poller owns a handle for the duration of one Wait call. Status queries for
// a single job are strictly sequential; the only suspension points are the
// backoff waits and the network calls, both cancellable.
type Poller struct {
	client StatusClient
	cfg    Config
}

func New(client StatusClient, cfg Config) (*Poller, error) {
	if client == nil {
		return nil, fmt.Errorf("poll: client is required")
	}
	return &Poller{client: client, cfg: cfg.withDefaults()}, nil
}

// Wait polls the job until it is terminal. It returns the envelope for a
// ready job and otherwise an error describing the terminal outcome. The
// returned status is always terminal; every status change is reported through
// onChange before Wait returns.
func (p *Poller) Wait(ctx context.Context, h *job.Handle, onChange Transition) (*result.Envelope, job.Status, error) {
	if h == nil || h.Status != job.StatusSubmitted {
		return nil, job.StatusIndeterminable, fmt.Errorf("poll: handle must be in submitted state")
	}
	deadline := time.Now().Add(p.cfg.Deadline)
	interval := p.cfg.InitialInterval
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		env, status, done, err := p.step(ctx, h, onChange)
		if done {
			return env, status, err
		}

		if time.Now().After(deadline) {
			return nil, p.giveUp(h, onChange, fmt.Errorf("%w after %s", ErrDeadline, p.cfg.Deadline)), ErrDeadline
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil, p.giveUp(h, onChange, ErrCancelled), ErrCancelled
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * p.cfg.Factor)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

// step performs one status query. done is true when the job reached a
// terminal outcome.
func (p *Poller) step(ctx context.Context, h *job.Handle, onChange Transition) (*result.Envelope, job.Status, bool, error) {
	status, info, err := p.client.QueryStatus(ctx, h.RemoteID)
	now := time.Now()
	if err != nil {
		if transport.IsTransient(err) {
			h.Retries++
			logrus.Debugf("poll: transient error for %s (attempt %d/%d): %v",
				h.Fingerprint, h.Retries, p.cfg.RetryBudget, err)
			if h.Retries >= p.cfg.RetryBudget {
				return nil, p.giveUp(h, onChange, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)), true, ErrRetriesExhausted
			}
			return nil, h.Status, false, nil
		}
		// Protocol errors and rejections are not retryable; the job's true
		// state is unknowable from here.
		return nil, p.giveUp(h, onChange, err), true, err
	}

	switch status {
	case job.StatusReady:
		env, ferr := p.client.FetchResult(ctx, h.RemoteID)
		if ferr != nil {
			// A failed fetch after a ready status is a data-integrity
			// problem, reported rather than silently retried.
			_ = h.Transition(job.StatusError, now)
			notify(onChange, h, nil)
			return nil, job.StatusError, true, fmt.Errorf("poll: fetch after ready: %w", ferr)
		}
		env.Fingerprint = h.Fingerprint
		_ = h.Transition(job.StatusReady, now)
		notify(onChange, h, &env)
		return &env, job.StatusReady, true, nil
	case job.StatusError:
		_ = h.Transition(job.StatusError, now)
		notify(onChange, h, nil)
		return nil, job.StatusError, true, &RemoteError{Info: info}
	case job.StatusUnknown:
		_ = h.Transition(job.StatusUnknown, now)
		notify(onChange, h, nil)
		return nil, job.StatusUnknown, true, ErrJobUnknown
	case job.StatusPending, job.StatusCalculating, job.StatusSubmitted:
		prev := h.Status
		if err := h.Transition(status, now); err == nil && h.Status != prev {
			notify(onChange, h, nil)
		}
		return nil, h.Status, false, nil
	default:
		err := fmt.Errorf("poll: server reported unexpected status %s", status)
		return nil, p.giveUp(h, onChange, err), true, err
	}
}

// giveUp transitions the handle to indeterminable and reports the change.
func (p *Poller) giveUp(h *job.Handle, onChange Transition, cause error) job.Status {
	logrus.Debugf("poll: giving up on %s: %v", h.Fingerprint, cause)
	_ = h.Transition(job.StatusIndeterminable, time.Now())
	notify(onChange, h, nil)
	return job.StatusIndeterminable
}

func notify(onChange Transition, h *job.Handle, env *result.Envelope) {
	if onChange != nil {
		onChange(h.Snapshot(), env)
	}
}
