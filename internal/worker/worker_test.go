package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/testutil"
)

type releaseRecord struct {
	claim   model.Claim
	outcome model.ReleaseOutcome
}

// memStore is a single-process stand-in for the task store.
type memStore struct {
	mu        sync.Mutex
	pending   map[string][]model.Task
	releases  []releaseRecord
	failNext  int
	extendErr error // returned by every ExtendLease once set
	extends   atomic.Int32
	hb        *fakeHeartbeat
	visible   []bool // heartbeat state observed at each successful claim
}

func newMemStore() *memStore {
	return &memStore{pending: make(map[string][]model.Task)}
}

func (s *memStore) add(taskType string, attempts, maxAttempts int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := model.Task{
		ID:           uuid.New(),
		TaskType:     taskType,
		Payload:      json.RawMessage(`{}`),
		State:        model.TaskPending,
		AttemptCount: attempts,
		MaxAttempts:  maxAttempts,
	}
	s.pending[taskType] = append(s.pending[taskType], t)
	return t.ID
}

func (s *memStore) ClaimNext(_ context.Context, taskType, workerID string, _ time.Duration) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, fmt.Errorf("storage: claim next: %w", storage.ErrStoreUnavailable)
	}
	queue := s.pending[taskType]
	if len(queue) == 0 {
		return nil, nil
	}
	t := queue[0]
	s.pending[taskType] = queue[1:]
	now := time.Now().UTC()
	t.State = model.TaskClaimed
	t.ClaimedBy = &workerID
	t.ClaimedAt = &now
	t.AttemptCount++
	t.ClaimToken++
	if s.hb != nil {
		s.visible = append(s.visible, s.hb.started.Load() && !s.hb.stopped.Load())
	}
	return &t, nil
}

func (s *memStore) MarkRunning(context.Context, model.Claim) error { return nil }

func (s *memStore) ExtendLease(context.Context, model.Claim, time.Duration) error {
	s.extends.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendErr
}

func (s *memStore) Release(_ context.Context, c model.Claim, outcome model.ReleaseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, releaseRecord{claim: c, outcome: outcome})
	return nil
}

func (s *memStore) released() []releaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]releaseRecord(nil), s.releases...)
}

func (s *memStore) pendingCount(taskType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[taskType])
}

type fakeHeartbeat struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (h *fakeHeartbeat) Start(context.Context) error { h.started.Store(true); return nil }
func (h *fakeHeartbeat) Stop(context.Context) error  { h.stopped.Store(true); return nil }

type chanNotifier struct {
	ch chan string
}

func (n *chanNotifier) Listen(context.Context, string) error { return nil }

func (n *chanNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case p := <-n.ch:
		return storage.ChannelTasks, p, nil
	}
}

func family(taskType string) Family {
	return Family{
		TaskType:     taskType,
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Minute,
		Backoff:      Backoff{Base: time.Second, Cap: time.Minute},
	}
}

func testOptions() Options {
	return Options{
		WorkerID:     "test-worker",
		Lease:        time.Hour,
		DrainTimeout: 5 * time.Second,
		StoreBackoff: Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
		Logger:       testutil.TestLogger(),
	}
}

// startRunner runs r in the background and returns a stop function that
// cancels it and waits for Run to return.
func startRunner(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("runner did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) { return nil, nil })

	require.NoError(t, reg.Register("publish.post", noop))
	require.NoError(t, reg.Register("fetch.metrics", noop))
	assert.Error(t, reg.Register("publish.post", noop), "duplicate registration")
	assert.Error(t, reg.Register("Bad Type", noop))
	assert.Error(t, reg.Register("nil.exec", nil))

	_, ok := reg.Lookup("publish.post")
	assert.True(t, ok)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"fetch.metrics", "publish.post"}, reg.TaskTypes())
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}
	assert.Equal(t, time.Second, b.ceiling(0))
	assert.Equal(t, time.Second, b.ceiling(1))
	assert.Equal(t, 2*time.Second, b.ceiling(2))
	assert.Equal(t, 4*time.Second, b.ceiling(3))
	assert.Equal(t, 8*time.Second, b.ceiling(4))
	assert.Equal(t, 10*time.Second, b.ceiling(5))
	assert.Equal(t, 10*time.Second, b.ceiling(500))

	for range 100 {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestErrorKind(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, model.ErrorKindPermanent, errorKind(ctx, Permanent(errors.New("bad payload"))))
	assert.Equal(t, model.ErrorKindPermanent, errorKind(ctx, fmt.Errorf("wrapped: %w", Permanentf("code %d", 400))))
	assert.Equal(t, model.ErrorKindTransient, errorKind(ctx, errors.New("503")))
	assert.Equal(t, model.ErrorKindTransient, errorKind(ctx, Transient(errors.New("503"))))

	expired, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()
	assert.Equal(t, model.ErrorKindTimeout, errorKind(expired, context.DeadlineExceeded))

	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	var te *TransientError
	assert.True(t, errors.As(Transient(errors.New("x")), &te))
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	fam := family("publish.post")
	task := model.Task{AttemptCount: 1, MaxAttempts: 3}

	t.Run("success", func(t *testing.T) {
		out := decide(ctx, ctx, fam, task, json.RawMessage(`{"ok":true}`), nil, now)
		assert.Equal(t, model.OutcomeSucceeded, out.Kind)
		assert.JSONEq(t, `{"ok":true}`, string(out.Result))
	})

	t.Run("invalid json result fails permanently", func(t *testing.T) {
		out := decide(ctx, ctx, fam, task, json.RawMessage(`{not json`), nil, now)
		assert.Equal(t, model.OutcomeFailed, out.Kind)
		assert.Equal(t, model.ErrorKindPermanent, out.Error.Kind)
	})

	t.Run("transient retries with backoff", func(t *testing.T) {
		out := decide(ctx, ctx, fam, task, nil, errors.New("rate limited"), now)
		require.Equal(t, model.OutcomeRetry, out.Kind)
		assert.Equal(t, model.ErrorKindTransient, out.Error.Kind)
		assert.Equal(t, 1, out.Error.Attempt)
		assert.Equal(t, "rate limited", out.Error.Message)
		assert.False(t, out.RunAfter.Before(now.Add(time.Second)))
		assert.True(t, out.RunAfter.Before(now.Add(2*time.Second)))
	})

	t.Run("exhausted attempts fail", func(t *testing.T) {
		last := model.Task{AttemptCount: 3, MaxAttempts: 3}
		out := decide(ctx, ctx, fam, last, nil, errors.New("rate limited"), now)
		assert.Equal(t, model.OutcomeFailed, out.Kind)
		assert.Equal(t, model.ErrorKindTransient, out.Error.Kind)
	})

	t.Run("permanent fails immediately", func(t *testing.T) {
		out := decide(ctx, ctx, fam, task, nil, Permanent(errors.New("404")), now)
		assert.Equal(t, model.OutcomeFailed, out.Kind)
		assert.Equal(t, model.ErrorKindPermanent, out.Error.Kind)
	})

	t.Run("shutdown interruption retries now", func(t *testing.T) {
		hard, cancel := context.WithCancel(ctx)
		cancel()
		out := decide(hard, hard, fam, model.Task{AttemptCount: 3, MaxAttempts: 3}, nil, context.Canceled, now)
		assert.Equal(t, model.OutcomeRetry, out.Kind)
		assert.Equal(t, model.ErrorKindShutdown, out.Error.Kind)
		assert.True(t, out.RunAfter.IsZero())
	})
}

func TestNewRunner_Validation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, nil
	})))
	store := newMemStore()

	_, err := NewRunner(store, reg, []Family{family("publish.post")}, testOptions())
	require.NoError(t, err)

	slow := family("publish.post")
	slow.Timeout = 2 * time.Hour
	_, err = NewRunner(store, reg, []Family{slow}, testOptions())
	assert.ErrorContains(t, err, "shorter than the lease")

	_, err = NewRunner(store, reg, []Family{family("fetch.metrics")}, testOptions())
	assert.ErrorContains(t, err, "no registered executor")

	_, err = NewRunner(store, reg, []Family{family("publish.post"), family("publish.post")}, testOptions())
	assert.ErrorContains(t, err, "duplicate family")

	_, err = NewRunner(store, reg, nil, testOptions())
	assert.Error(t, err)

	opts := testOptions()
	opts.WorkerID = ""
	_, err = NewRunner(store, reg, []Family{family("publish.post")}, opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.LeaseRenewal = opts.Lease
	_, err = NewRunner(store, reg, []Family{family("publish.post")}, opts)
	assert.ErrorContains(t, err, "lease renewal")

	r, err := NewRunner(store, reg, []Family{family("publish.post")}, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, r.opts.LeaseRenewal, "defaults to a third of the lease")
}

func TestRunner_RenewsLeaseWhileExecuting(t *testing.T) {
	store := newMemStore()
	store.add("publish.post", 0, 3)

	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(ctx context.Context, _ model.Task) (json.RawMessage, error) {
		for store.extends.Load() < 3 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return json.RawMessage(`{"content_id":"c1"}`), nil
	})))

	opts := testOptions()
	opts.LeaseRenewal = 5 * time.Millisecond
	r, err := NewRunner(store, reg, []Family{family("publish.post")}, opts)
	require.NoError(t, err)
	startRunner(t, r)

	require.Eventually(t, func() bool { return len(store.released()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.OutcomeSucceeded, store.released()[0].outcome.Kind)
}

func TestRunner_LostLeaseCancelsExecution(t *testing.T) {
	store := newMemStore()
	store.extendErr = storage.ErrLeaseLost
	store.add("publish.post", 0, 3)

	cancelled := make(chan error, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(ctx context.Context, _ model.Task) (json.RawMessage, error) {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	})))

	opts := testOptions()
	opts.LeaseRenewal = 5 * time.Millisecond
	r, err := NewRunner(store, reg, []Family{family("publish.post")}, opts)
	require.NoError(t, err)
	stop := startRunner(t, r)

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not cancelled after the lease was lost")
	}
	stop()

	assert.Empty(t, store.released(), "a task whose lease was lost is not released")
	assert.GreaterOrEqual(t, store.extends.Load(), int32(1))
}

func TestRunner_ProcessesTasksAndManagesHeartbeat(t *testing.T) {
	store := newMemStore()
	hb := &fakeHeartbeat{}
	store.hb = hb
	for range 3 {
		store.add("publish.post", 0, 3)
	}

	var seen sync.Map
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(_ context.Context, task model.Task) (json.RawMessage, error) {
		seen.Store(task.IdempotencyKey(), true)
		return json.RawMessage(`{"content_id":"c-1"}`), nil
	})))

	opts := testOptions()
	opts.Heartbeat = hb
	r, err := NewRunner(store, reg, []Family{family("publish.post")}, opts)
	require.NoError(t, err)
	stop := startRunner(t, r)

	require.Eventually(t, func() bool { return len(store.released()) == 3 }, 5*time.Second, 5*time.Millisecond)
	stop()

	for _, rel := range store.released() {
		assert.Equal(t, model.OutcomeSucceeded, rel.outcome.Kind)
		assert.Equal(t, "test-worker", rel.claim.WorkerID)
		_, ok := seen.Load(rel.claim.TaskID.String())
		assert.True(t, ok, "executor receives the task id as idempotency key")
	}
	assert.True(t, hb.stopped.Load())
	for _, visible := range store.visible {
		assert.True(t, visible, "claims happen only while the heartbeat is running")
	}
}

func TestRunner_SlowFamilyDoesNotBlockOthers(t *testing.T) {
	store := newMemStore()
	store.add("slow.job", 0, 3)
	for range 5 {
		store.add("fast.job", 0, 3)
	}

	unblock := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow.job", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		<-unblock
		return nil, nil
	})))
	require.NoError(t, reg.Register("fast.job", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, nil
	})))

	r, err := NewRunner(store, reg, []Family{family("slow.job"), family("fast.job")}, testOptions())
	require.NoError(t, err)
	stop := startRunner(t, r)

	require.Eventually(t, func() bool { return len(store.released()) == 5 }, 5*time.Second, 5*time.Millisecond)
	close(unblock)
	require.Eventually(t, func() bool { return len(store.released()) == 6 }, 5*time.Second, 5*time.Millisecond)
	stop()
}

func TestRunner_FailureOutcomes(t *testing.T) {
	store := newMemStore()
	retryID := store.add("flaky.job", 0, 3)
	lastID := store.add("flaky.job", 2, 3)
	store.add("broken.job", 0, 3)
	store.add("hung.job", 0, 3)
	store.add("panicky.job", 0, 3)

	reg := NewRegistry()
	require.NoError(t, reg.Register("flaky.job", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, errors.New("upstream 503")
	})))
	require.NoError(t, reg.Register("broken.job", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, Permanentf("payload missing account")
	})))
	require.NoError(t, reg.Register("hung.job", ExecutorFunc(func(ctx context.Context, _ model.Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	require.NoError(t, reg.Register("panicky.job", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		panic("nil map")
	})))

	hung := family("hung.job")
	hung.Timeout = 20 * time.Millisecond
	r, err := NewRunner(store, reg, []Family{family("flaky.job"), family("broken.job"), hung, family("panicky.job")}, testOptions())
	require.NoError(t, err)
	stop := startRunner(t, r)
	require.Eventually(t, func() bool { return len(store.released()) == 5 }, 5*time.Second, 5*time.Millisecond)
	stop()

	byID := map[uuid.UUID]model.ReleaseOutcome{}
	for _, rel := range store.released() {
		byID[rel.claim.TaskID] = rel.outcome
	}

	retry := byID[retryID]
	assert.Equal(t, model.OutcomeRetry, retry.Kind)
	assert.Equal(t, model.ErrorKindTransient, retry.Error.Kind)
	assert.False(t, retry.RunAfter.IsZero())

	last := byID[lastID]
	assert.Equal(t, model.OutcomeFailed, last.Kind)
	assert.Equal(t, 3, last.Error.Attempt)

	var kinds []string
	for id, out := range byID {
		if id == retryID || id == lastID {
			continue
		}
		kinds = append(kinds, string(out.Kind)+"/"+out.Error.Kind)
	}
	assert.ElementsMatch(t, []string{
		"failed/permanent",
		"retry/timeout",
		"retry/transient",
	}, kinds)
}

func TestRunner_DrainLetsInFlightFinish(t *testing.T) {
	store := newMemStore()
	store.add("publish.post", 0, 3)
	store.add("publish.post", 0, 3)

	started := make(chan struct{}, 2)
	proceed := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		started <- struct{}{}
		<-proceed
		return json.RawMessage(`{"done":true}`), nil
	})))

	r, err := NewRunner(store, reg, []Family{family("publish.post")}, testOptions())
	require.NoError(t, err)
	stop := startRunner(t, r)

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(proceed)
	}()
	stop()

	rels := store.released()
	require.Len(t, rels, 1)
	assert.Equal(t, model.OutcomeSucceeded, rels[0].outcome.Kind)
	assert.Equal(t, 1, store.pendingCount("publish.post"), "no claims after shutdown begins")
}

func TestRunner_DrainTimeoutInterruptsAndRequeues(t *testing.T) {
	store := newMemStore()
	hb := &fakeHeartbeat{}
	store.add("publish.post", 0, 3)

	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(ctx context.Context, _ model.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	opts := testOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	opts.Heartbeat = hb
	r, err := NewRunner(store, reg, []Family{family("publish.post")}, opts)
	require.NoError(t, err)
	stop := startRunner(t, r)

	<-started
	stop()

	rels := store.released()
	require.Len(t, rels, 1)
	assert.Equal(t, model.OutcomeRetry, rels[0].outcome.Kind)
	assert.Equal(t, model.ErrorKindShutdown, rels[0].outcome.Error.Kind)
	assert.True(t, hb.stopped.Load())
}

func TestRunner_BacksOffOnStoreErrors(t *testing.T) {
	store := newMemStore()
	store.failNext = 3
	store.add("publish.post", 0, 3)

	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, nil
	})))
	r, err := NewRunner(store, reg, []Family{family("publish.post")}, testOptions())
	require.NoError(t, err)
	startRunner(t, r)

	require.Eventually(t, func() bool { return len(store.released()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestRunner_NotificationWakesIdleFamily(t *testing.T) {
	store := newMemStore()
	notifier := &chanNotifier{ch: make(chan string, 1)}

	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, nil
	})))
	fam := family("publish.post")
	fam.PollInterval = time.Hour

	opts := testOptions()
	opts.Notifier = notifier
	r, err := NewRunner(store, reg, []Family{fam}, opts)
	require.NoError(t, err)
	startRunner(t, r)

	// Let the family finish its first empty poll and go to sleep.
	time.Sleep(50 * time.Millisecond)
	store.add("publish.post", 0, 3)
	notifier.ch <- "publish.post"

	require.Eventually(t, func() bool { return len(store.released()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestRunner_RunTwiceFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("publish.post", ExecutorFunc(func(context.Context, model.Task) (json.RawMessage, error) {
		return nil, nil
	})))
	r, err := NewRunner(newMemStore(), reg, []Family{family("publish.post")}, testOptions())
	require.NoError(t, err)
	startRunner(t, r)
	require.Eventually(t, func() bool { return r.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, r.Run(context.Background()))
}
