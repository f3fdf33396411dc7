package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/telemetry"
)

const (
	// storeCallTimeout bounds claim and release round trips. Claims run on a
	// context that shutdown does not cancel so a claim is never left
	// half-known to the worker.
	storeCallTimeout = 10 * time.Second
	releaseAttempts  = 3
)

// Store is the slice of the task store the loop drives.
type Store interface {
	ClaimNext(ctx context.Context, taskType, workerID string, lease time.Duration) (*model.Task, error)
	MarkRunning(ctx context.Context, c model.Claim) error
	ExtendLease(ctx context.Context, c model.Claim, lease time.Duration) error
	Release(ctx context.Context, c model.Claim, outcome model.ReleaseOutcome) error
}

// Notifier delivers enqueue wake-ups. Payloads are task types.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Heartbeat keeps the worker visible to the coordinator while it runs.
type Heartbeat interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configure a Runner.
type Options struct {
	WorkerID     string
	Lease        time.Duration // Claim lease; must exceed every family's timeout.
	LeaseRenewal time.Duration // How often a running task's lease is extended; zero means Lease/3.
	DrainTimeout time.Duration // Grace period for in-flight tasks after shutdown begins.
	StoreBackoff Backoff       // Applied to a family while the store is failing.
	Notifier     Notifier      // Optional; nil means pure polling.
	Heartbeat    Heartbeat     // Optional in tests; required in production.
	Logger       *slog.Logger
}

// Runner supervises one polling loop per family.
//
// Shutdown is driven by cancelling the context passed to Run: loops stop
// claiming, in-flight tasks get DrainTimeout to finish, and anything still
// running after that has its context cancelled and is released for retry on
// a fresh context. The heartbeat is stopped last, which lets the coordinator
// reclaim anything the worker failed to release without waiting for staleness.
type Runner struct {
	store    Store
	registry *Registry
	families []Family
	opts     Options
	logger   *slog.Logger
	wake     map[string]chan struct{}
	tracer   trace.Tracer

	claims   metric.Int64Counter
	releases metric.Int64Counter
	duration metric.Float64Histogram

	running atomic.Bool
}

// NewRunner validates the families against the registry and the lease.
func NewRunner(store Store, registry *Registry, families []Family, opts Options) (*Runner, error) {
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker: worker id is required")
	}
	if opts.Lease <= 0 {
		return nil, fmt.Errorf("worker: lease must be positive")
	}
	if opts.LeaseRenewal < 0 || opts.LeaseRenewal >= opts.Lease {
		return nil, fmt.Errorf("worker: lease renewal must be shorter than the lease")
	}
	if opts.LeaseRenewal == 0 {
		opts.LeaseRenewal = opts.Lease / 3
	}
	if opts.DrainTimeout < 0 {
		return nil, fmt.Errorf("worker: drain timeout must not be negative")
	}
	if len(families) == 0 {
		return nil, fmt.Errorf("worker: at least one family is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	wake := make(map[string]chan struct{}, len(families))
	for _, f := range families {
		if err := f.validate(opts.Lease); err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		if _, dup := wake[f.TaskType]; dup {
			return nil, fmt.Errorf("worker: duplicate family %q", f.TaskType)
		}
		if _, ok := registry.Lookup(f.TaskType); !ok {
			return nil, fmt.Errorf("worker: family %q has no registered executor", f.TaskType)
		}
		wake[f.TaskType] = make(chan struct{}, 1)
	}

	r := &Runner{
		store:    store,
		registry: registry,
		families: families,
		opts:     opts,
		logger:   opts.Logger.With("worker_id", opts.WorkerID),
		wake:     wake,
		tracer:   telemetry.Tracer("kairos/worker"),
	}
	r.registerMetrics()
	return r, nil
}

func (r *Runner) registerMetrics() {
	meter := telemetry.Meter("kairos/worker")
	var err error
	if r.claims, err = meter.Int64Counter("kairos.worker.claims",
		metric.WithDescription("Tasks claimed by this worker")); err != nil {
		r.logger.Warn("worker: register metric", "metric", "claims", "error", err)
	}
	if r.releases, err = meter.Int64Counter("kairos.worker.releases",
		metric.WithDescription("Task releases by outcome")); err != nil {
		r.logger.Warn("worker: register metric", "metric", "releases", "error", err)
	}
	if r.duration, err = meter.Float64Histogram("kairos.worker.execution.duration",
		metric.WithDescription("Executor wall time"), metric.WithUnit("s")); err != nil {
		r.logger.Warn("worker: register metric", "metric", "duration", "error", err)
	}
}

// Run blocks until ctx is cancelled and every family loop has drained.
// It returns an error only if the worker could not start.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker: runner already started")
	}
	if r.opts.Heartbeat != nil {
		if err := r.opts.Heartbeat.Start(ctx); err != nil {
			return fmt.Errorf("worker: start heartbeat: %w", err)
		}
	}

	// interrupt cancels executions once the drain window closes.
	hard, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	listenDone := make(chan struct{})
	if r.opts.Notifier != nil {
		go func() {
			defer close(listenDone)
			r.listen(listenCtx)
		}()
	} else {
		close(listenDone)
	}

	var g errgroup.Group
	for _, fam := range r.families {
		g.Go(func() error {
			r.runFamily(ctx, hard, fam)
			return nil
		})
	}
	familiesDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(familiesDone)
	}()
	r.logger.Info("worker: started", "families", len(r.families), "lease", r.opts.Lease)

	<-ctx.Done()
	r.logger.Info("worker: draining", "timeout", r.opts.DrainTimeout)
	drain := time.NewTimer(r.opts.DrainTimeout)
	select {
	case <-familiesDone:
		drain.Stop()
	case <-drain.C:
		r.logger.Warn("worker: drain timeout, interrupting in-flight tasks")
		interrupt()
		<-familiesDone
	}
	stopListening()
	<-listenDone

	if r.opts.Heartbeat != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCallTimeout)
		defer cancel()
		if err := r.opts.Heartbeat.Stop(stopCtx); err != nil {
			r.logger.Warn("worker: stop heartbeat", "error", err)
		}
	}
	r.logger.Info("worker: stopped")
	return nil
}

// runFamily claims and executes tasks of one type until ctx is cancelled.
// Executions run under hard so that shutdown lets them finish.
func (r *Runner) runFamily(ctx, hard context.Context, fam Family) {
	logger := r.logger.With("task_type", fam.TaskType)
	storeFailures := 0
	for ctx.Err() == nil {
		found, err := r.cycle(hard, fam, logger)
		if err != nil {
			storeFailures++
			delay := r.opts.StoreBackoff.Delay(storeFailures)
			level := slog.LevelWarn
			if errors.Is(err, storage.ErrStoreUnavailable) {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "worker: claim failed, backing off",
				"error", err, "consecutive_failures", storeFailures, "retry_in", delay)
			if !sleep(ctx, delay, nil) {
				return
			}
			continue
		}
		if storeFailures > 0 {
			logger.Info("worker: store recovered", "after_failures", storeFailures)
			storeFailures = 0
		}
		if found {
			continue
		}
		if !sleep(ctx, fam.PollInterval, r.wake[fam.TaskType]) {
			return
		}
	}
}

// cycle claims at most one task and processes it. It reports whether a task
// was found; an error means the claim itself failed.
func (r *Runner) cycle(hard context.Context, fam Family, logger *slog.Logger) (bool, error) {
	claimCtx, cancel := context.WithTimeout(hard, storeCallTimeout)
	task, err := r.store.ClaimNext(claimCtx, fam.TaskType, r.opts.WorkerID, r.opts.Lease)
	cancel()
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if r.claims != nil {
		r.claims.Add(hard, 1, metric.WithAttributes(attribute.String("task_type", fam.TaskType)))
	}
	r.process(hard, fam, *task, logger.With("task_id", task.ID, "attempt", task.AttemptCount))
	return true, nil
}

// process runs one claimed task to a release. Task-level failures are
// recorded on the row and never returned.
func (r *Runner) process(hard context.Context, fam Family, task model.Task, logger *slog.Logger) {
	claim := task.Claim()
	clock := newStoreClock(task.ClaimedAt)

	ctx, span := r.tracer.Start(hard, "worker.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.type", task.TaskType),
		attribute.Int("task.attempt", task.AttemptCount),
	))
	defer span.End()

	markCtx, cancelMark := context.WithTimeout(ctx, storeCallTimeout)
	err := r.store.MarkRunning(markCtx, claim)
	cancelMark()
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			logger.Warn("worker: lease lost before start", "error", err)
			span.SetStatus(codes.Error, "lease lost")
			return
		}
		logger.Error("worker: mark running failed", "error", err)
		r.release(ctx, claim, model.Retry(model.TaskError{
			Kind:    model.ErrorKindTransient,
			Message: err.Error(),
			Attempt: task.AttemptCount,
			At:      clock.now(),
		}, time.Time{}), logger)
		return
	}

	exec, _ := r.registry.Lookup(task.TaskType)
	execCtx, cancelExec := context.WithTimeout(ctx, fam.Timeout)
	defer cancelExec()

	stopRenewal := r.keepLease(execCtx, cancelExec, claim, logger)
	start := time.Now()
	result, execErr := safeExecute(execCtx, exec, task)
	elapsed := time.Since(start)
	leaseLost := stopRenewal()
	if r.duration != nil {
		r.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("task_type", task.TaskType)))
	}

	if leaseLost {
		// Cancelled or reclaimed mid-run; the row is no longer ours to write.
		span.SetStatus(codes.Error, "lease lost")
		logger.Warn("worker: result discarded, lease lost during execution", "elapsed", elapsed)
		if r.releases != nil {
			r.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "lease_lost")))
		}
		return
	}

	outcome := decide(hard, execCtx, fam, task, result, execErr, clock.now())
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, outcome.Error.Kind)
		logger.Warn("worker: task failed",
			"error", execErr, "kind", outcome.Error.Kind, "outcome", outcome.Kind, "elapsed", elapsed)
	} else {
		logger.Debug("worker: task succeeded", "elapsed", elapsed)
	}
	r.release(ctx, claim, outcome, logger)
}

// keepLease extends the claim every LeaseRenewal while the executor runs.
// When the store rejects the claim, because the task was cancelled or
// reclaimed, execution is cancelled. The returned func stops renewal and
// reports whether the lease was lost.
func (r *Runner) keepLease(execCtx context.Context, cancelExec context.CancelFunc, c model.Claim, logger *slog.Logger) func() bool {
	done := make(chan struct{})
	exited := make(chan struct{})
	var lost atomic.Bool

	go func() {
		defer close(exited)
		ticker := time.NewTicker(r.opts.LeaseRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-execCtx.Done():
				return
			case <-ticker.C:
			}

			callCtx, cancel := context.WithTimeout(context.WithoutCancel(execCtx), storeCallTimeout)
			err := r.store.ExtendLease(callCtx, c, r.opts.Lease)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrLeaseLost):
				lost.Store(true)
				logger.Warn("worker: lease lost during execution, cancelling")
				cancelExec()
				return
			default:
				// The current lease still stands; try again next tick.
				logger.Warn("worker: lease renewal failed", "error", err)
			}
		}
	}()

	return func() bool {
		close(done)
		<-exited
		return lost.Load()
	}
}

// decide maps an execution result to a release outcome.
func decide(hard, execCtx context.Context, fam Family, task model.Task, result json.RawMessage, execErr error, now time.Time) model.ReleaseOutcome {
	if execErr == nil && len(result) > 0 && !json.Valid(result) {
		execErr = Permanentf("executor returned invalid JSON result")
	}
	if execErr == nil {
		return model.Succeeded(result)
	}

	taskErr := model.TaskError{Message: execErr.Error(), Attempt: task.AttemptCount, At: now}
	if hard.Err() != nil {
		// Interrupted by shutdown; not the task's fault.
		taskErr.Kind = model.ErrorKindShutdown
		return model.Retry(taskErr, time.Time{})
	}
	taskErr.Kind = errorKind(execCtx, execErr)
	if taskErr.Kind == model.ErrorKindPermanent || task.AttemptCount >= task.MaxAttempts {
		return model.Failed(taskErr)
	}
	return model.Retry(taskErr, now.Add(fam.Backoff.Delay(task.AttemptCount)))
}

// release reports the outcome on a context detached from shutdown, retrying
// briefly while the store is unreachable. A lost lease is final.
func (r *Runner) release(ctx context.Context, c model.Claim, outcome model.ReleaseOutcome, logger *slog.Logger) {
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= releaseAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(base, storeCallTimeout)
		err = r.store.Release(callCtx, c, outcome)
		cancel()
		if !errors.Is(err, storage.ErrStoreUnavailable) {
			break
		}
		if attempt < releaseAttempts {
			_ = sleep(base, r.opts.StoreBackoff.Delay(attempt), nil)
		}
	}

	result := string(outcome.Kind)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrLeaseLost):
		result = "lease_lost"
		logger.Warn("worker: release rejected, lease lost", "outcome", outcome.Kind)
	default:
		result = "error"
		logger.Error("worker: release failed, leaving task to the reclaim sweep", "outcome", outcome.Kind, "error", err)
	}
	if r.releases != nil {
		r.releases.Add(base, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// listen forwards enqueue notifications to the matching family. Failures
// degrade to plain polling until the connection comes back.
func (r *Runner) listen(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		if err := r.opts.Notifier.Listen(ctx, storage.ChannelTasks); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			r.logger.Warn("worker: listen failed, polling only", "error", err, "consecutive_failures", failures)
			if !sleep(ctx, r.opts.StoreBackoff.Delay(failures), nil) {
				return
			}
			continue
		}
		failures = 0
		for {
			_, taskType, err := r.opts.Notifier.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("worker: notification wait failed", "error", err)
				break
			}
			if ch, ok := r.wake[taskType]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

// safeExecute converts an executor panic into a transient error so one bad
// task cannot take down its family loop.
func safeExecute(ctx context.Context, exec Executor, task model.Task) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, Transient(fmt.Errorf("executor panic: %v", p))
		}
	}()
	return exec.Execute(ctx, task)
}

// sleep waits for d, an early wake-up, or ctx. It reports false if ctx ended.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}

// storeClock approximates the database clock from the claim timestamp so
// retry times are not skewed by the worker's local clock.
type storeClock struct {
	base  time.Time
	local time.Time
}

func newStoreClock(claimedAt *time.Time) storeClock {
	now := time.Now()
	if claimedAt == nil {
		return storeClock{base: now.UTC(), local: now}
	}
	return storeClock{base: claimedAt.UTC(), local: now}
}

func (c storeClock) now() time.Time {
	return c.base.Add(time.Since(c.local))
}
