package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utspclient/internal/cache"
	"utspclient/internal/job"
	"utspclient/internal/poll"
	"utspclient/internal/request"
	"utspclient/internal/result"
	"utspclient/internal/transport"
)

// fakeServer simulates the remote job manager: jobs become ready after a
// configured number of status queries.
type fakeServer struct {
	mu           sync.Mutex
	nextID       int
	submissions  int
	queries      map[string]int
	readyAfter   map[string]int
	defaultAfter int
	submitErr    error
	lostJobs     bool
	failWith     string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		queries:      map[string]int{},
		readyAfter:   map[string]int{},
		defaultAfter: 1,
	}
}

func (f *fakeServer) Submit(_ context.Context, _ request.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions++
	f.nextID++
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *fakeServer) QueryStatus(_ context.Context, remoteID string) (job.Status, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lostJobs {
		return job.StatusUnknown, "", nil
	}
	if f.failWith != "" {
		return job.StatusError, f.failWith, nil
	}
	f.queries[remoteID]++
	after, ok := f.readyAfter[remoteID]
	if !ok {
		after = f.defaultAfter
	}
	if f.queries[remoteID] > after {
		return job.StatusReady, "", nil
	}
	return job.StatusCalculating, "", nil
}

func (f *fakeServer) FetchResult(_ context.Context, remoteID string) (result.Envelope, error) {
	return result.Envelope{Files: []result.File{{Name: "out.csv", Data: []byte(remoteID)}}}, nil
}

func newTestOrchestrator(t *testing.T, srv Transport, opts ...Option) (*Orchestrator, *cache.Cache) {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(store)
	require.NoError(t, err)
	cfg := poll.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Factor:          2,
		Deadline:        2 * time.Second,
		RetryBudget:     3,
	}
	o, err := New(srv, c, cfg, opts...)
	require.NoError(t, err)
	return o, c
}

func demandProfile(id int) request.Request {
	return request.Request{
		Provider:      "lpg",
		Config:        map[string]any{"household": id, "resolution": "15m"},
		RequiredFiles: map[string]request.FileRequirement{"out.csv": request.Required},
	}
}

func TestResolveSubmitsPollsAndCaches(t *testing.T) {
	srv := newFakeServer()
	srv.defaultAfter = 2
	o, _ := newTestOrchestrator(t, srv)

	outcomes := o.Resolve(context.Background(), []request.Request{demandProfile(1)})
	require.Len(t, outcomes, 1)
	out := outcomes[0]
	require.True(t, out.Ready(), "outcome: %+v", out)
	assert.NotEmpty(t, out.Fingerprint)
	f, ok := out.Envelope.File("out.csv")
	require.True(t, ok)
	assert.NotEmpty(t, f.Data)
	assert.Equal(t, 1, srv.submissions)
	assert.Equal(t, 3, srv.queries["job-1"], "two calculating replies then one ready")
}

func TestResolveIsIdempotentAcrossCalls(t *testing.T) {
	srv := newFakeServer()
	o, _ := newTestOrchestrator(t, srv)
	req := demandProfile(1)

	first := o.Resolve(context.Background(), []request.Request{req})
	require.True(t, first[0].Ready())
	queriesAfterFirst := srv.queries["job-1"]

	second := o.Resolve(context.Background(), []request.Request{req})
	require.True(t, second[0].Ready())
	assert.Equal(t, first[0].Fingerprint, second[0].Fingerprint)

	assert.Equal(t, 1, srv.submissions, "second resolve must be served from the cache")
	assert.Equal(t, queriesAfterFirst, srv.queries["job-1"], "no remote calls on a cache hit")
}

func TestResolveDeduplicatesWithinOneCall(t *testing.T) {
	srv := newFakeServer()
	o, _ := newTestOrchestrator(t, srv)
	req := demandProfile(1)

	outcomes := o.Resolve(context.Background(), []request.Request{req, req, req})
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		assert.True(t, out.Ready())
		assert.Equal(t, outcomes[0].Fingerprint, out.Fingerprint)
	}
	assert.Equal(t, 1, srv.submissions)
}

func TestResolveRunsIndependentJobsConcurrently(t *testing.T) {
	srv := newFakeServer()
	o, _ := newTestOrchestrator(t, srv, WithMaxInFlight(8))

	// Job k needs k+1 queries; with 1ms polling a serial run would stack the
	// slow jobs' waits on top of each other.
	reqs := make([]request.Request, 5)
	for i := range reqs {
		reqs[i] = demandProfile(i)
		srv.readyAfter[fmt.Sprintf("job-%d", i+1)] = i + 1
	}

	start := time.Now()
	outcomes := o.Resolve(context.Background(), reqs)
	elapsed := time.Since(start)

	for i, out := range outcomes {
		assert.True(t, out.Ready(), "job %d: %+v", i, out)
	}
	// Serial worst case is roughly the sum of all jobs' waits; concurrent
	// execution should track the slowest job instead.
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, len(reqs), srv.submissions)
}

func TestResolveIsolatesPartialFailures(t *testing.T) {
	srv := newFakeServer()
	o, _ := newTestOrchestrator(t, srv)

	good := demandProfile(1)
	bad := request.Request{Provider: "lpg", Config: map[string]any{"v": []any{func() {}}}}

	outcomes := o.Resolve(context.Background(), []request.Request{bad, good})
	require.Len(t, outcomes, 2)

	var serr *request.SerializationError
	require.ErrorAs(t, outcomes[0].Err, &serr)
	assert.True(t, outcomes[1].Ready(), "the bad payload must not abort the good one")
}

func TestResolveSurfacesServerFailure(t *testing.T) {
	srv := newFakeServer()
	srv.failWith = "provider crashed"
	o, c := newTestOrchestrator(t, srv)

	outcomes := o.Resolve(context.Background(), []request.Request{demandProfile(1)})
	out := outcomes[0]
	assert.Equal(t, job.StatusError, out.Status)
	var remote *poll.RemoteError
	require.ErrorAs(t, out.Err, &remote)
	assert.Equal(t, "provider crashed", remote.Info)

	entry, ok, err := c.Lookup(context.Background(), out.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusError, entry.Status)
}

func TestResolveLostJobBecomesUnknown(t *testing.T) {
	srv := newFakeServer()
	srv.lostJobs = true
	o, c := newTestOrchestrator(t, srv)

	outcomes := o.Resolve(context.Background(), []request.Request{demandProfile(1)})
	out := outcomes[0]
	assert.Equal(t, job.StatusUnknown, out.Status)
	assert.True(t, IsUnknown(out.Err))
	assert.Equal(t, 1, srv.submissions, "unknown jobs are not resubmitted in the same call")

	entry, ok, err := c.Lookup(context.Background(), out.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusUnknown, entry.Status)
}

func TestResolveDoesNotResubmitUnknownAcrossCalls(t *testing.T) {
	srv := newFakeServer()
	srv.lostJobs = true
	o, _ := newTestOrchestrator(t, srv)
	req := demandProfile(1)

	first := o.Resolve(context.Background(), []request.Request{req})
	require.Equal(t, job.StatusUnknown, first[0].Status)
	require.Equal(t, 1, srv.submissions)

	// The cached unknown entry must short-circuit the next resolve: the
	// server's effects are not known to be idempotent, so resubmission
	// needs an explicit opt-in.
	second := o.Resolve(context.Background(), []request.Request{req})
	assert.Equal(t, job.StatusUnknown, second[0].Status)
	assert.True(t, IsUnknown(second[0].Err))
	assert.Equal(t, 1, srv.submissions, "a lost job must not be resubmitted automatically")

	// A fresh GUID is the opt-in: it changes the fingerprint and so the job.
	fresh := req
	fresh.GUID = "retry-1"
	third := o.Resolve(context.Background(), []request.Request{fresh})
	assert.NotEqual(t, second[0].Fingerprint, third[0].Fingerprint)
	assert.Equal(t, 2, srv.submissions)
}

func TestSubmitOnlyIgnoresReadyEntryWithoutRemoteID(t *testing.T) {
	srv := newFakeServer()
	o, c := newTestOrchestrator(t, srv)
	req := demandProfile(1)
	fp, err := request.Fingerprint(req)
	require.NoError(t, err)

	// A ready entry with no remote id cannot be resumed; SubmitOnly must
	// submit rather than hand back a handle that was never submitted.
	_, err = c.Put(context.Background(), cache.Entry{
		Fingerprint: fp,
		Status:      job.StatusReady,
	})
	require.NoError(t, err)

	handle, err := o.SubmitOnly(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSubmitted, handle.Status)
	assert.NotEmpty(t, handle.RemoteID)
	assert.Equal(t, 1, srv.submissions)
}

func TestResolveRejectedSubmissionIsFatal(t *testing.T) {
	srv := newFakeServer()
	srv.submitErr = &transport.RejectedError{StatusCode: 400, Message: "malformed"}
	o, _ := newTestOrchestrator(t, srv)

	outcomes := o.Resolve(context.Background(), []request.Request{demandProfile(1)})
	var rejected *transport.RejectedError
	require.ErrorAs(t, outcomes[0].Err, &rejected)
}

func TestResolveResumesCachedInFlightJob(t *testing.T) {
	srv := newFakeServer()
	o, c := newTestOrchestrator(t, srv)
	req := demandProfile(1)
	fp, err := request.Fingerprint(req)
	require.NoError(t, err)

	// A previous process submitted this job and recorded the remote id.
	_, err = c.Put(context.Background(), cache.Entry{
		Fingerprint: fp,
		Status:      job.StatusCalculating,
		RemoteID:    "job-77",
	})
	require.NoError(t, err)
	srv.readyAfter["job-77"] = 1

	outcomes := o.Resolve(context.Background(), []request.Request{req})
	require.True(t, outcomes[0].Ready())
	assert.Equal(t, 0, srv.submissions, "resumed job must not be submitted again")
	assert.Positive(t, srv.queries["job-77"])
}

func TestSubmitOnlyAndPollOnce(t *testing.T) {
	srv := newFakeServer()
	srv.defaultAfter = 1
	o, _ := newTestOrchestrator(t, srv)
	req := demandProfile(1)

	handle, err := o.SubmitOnly(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSubmitted, handle.Status)
	assert.NotEmpty(t, handle.RemoteID)
	assert.Equal(t, 1, srv.submissions)

	// Re-submitting short-circuits on the cached in-flight entry.
	again, err := o.SubmitOnly(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, handle.RemoteID, again.RemoteID)
	assert.Equal(t, 1, srv.submissions)

	handle, env, err := o.PollOnce(context.Background(), handle)
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Equal(t, job.StatusCalculating, handle.Status)

	handle, env, err = o.PollOnce(context.Background(), handle)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, job.StatusReady, handle.Status)

	// Terminal handles poll as no-ops.
	_, env, err = o.PollOnce(context.Background(), handle)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestResolveSubmitRetriesTransientThenGivesUp(t *testing.T) {
	srv := newFakeServer()
	srv.submitErr = &transport.TransientError{Err: fmt.Errorf("connection refused")}
	o, _ := newTestOrchestrator(t, srv)

	outcomes := o.Resolve(context.Background(), []request.Request{demandProfile(1)})
	out := outcomes[0]
	assert.Equal(t, job.StatusIndeterminable, out.Status)
	assert.True(t, errors.Is(out.Err, poll.ErrRetriesExhausted))
}
