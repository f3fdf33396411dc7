// Package heartbeat keeps workers visible to the coordinator and takes back
// work from workers that stopped being visible.
//
// A Beater runs inside each worker process and upserts its liveness row on a
// fixed interval. A Reaper runs inside the coordinator and periodically
// returns abandoned claims to the queue. Workers never reclaim their own or
// each other's tasks.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the liveness subset of the task store a Beater writes to.
type Store interface {
	RegisterWorker(ctx context.Context, workerID string, systemInfo map[string]any) error
	Beat(ctx context.Context, workerID string, systemInfo map[string]any) error
	MarkStopped(ctx context.Context, workerID string) error
}

// Beater periodically records that a worker is alive.
type Beater struct {
	store    Store
	workerID string
	interval time.Duration
	version  string
	logger   *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	failures   atomic.Int64
}

// NewBeater creates a Beater for workerID.
func NewBeater(store Store, workerID string, interval time.Duration, version string, logger *slog.Logger) *Beater {
	return &Beater{
		store:    store,
		workerID: workerID,
		interval: interval,
		version:  version,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start writes the first heartbeat synchronously, so the worker is visible
// before it claims anything, then beats in the background until Stop.
func (b *Beater) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("heartbeat: beater already started")
	}
	if err := b.store.RegisterWorker(ctx, b.workerID, b.systemInfo()); err != nil {
		b.started.Store(false)
		return fmt.Errorf("heartbeat: register worker: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelLoop = cancel
	go b.loop(loopCtx)
	return nil
}

// Stop ends the background loop and records a graceful stop so the
// coordinator can reclaim any remaining claims without waiting for staleness.
// Safe to call more than once; only the first call writes.
func (b *Beater) Stop(ctx context.Context) error {
	if !b.started.Load() {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		b.cancelLoop()
		select {
		case <-b.done:
		case <-ctx.Done():
		}
		if mErr := b.store.MarkStopped(ctx, b.workerID); mErr != nil {
			err = fmt.Errorf("heartbeat: mark stopped: %w", mErr)
		}
	})
	return err
}

// ConsecutiveFailures reports how many beats in a row have failed.
func (b *Beater) ConsecutiveFailures() int64 {
	return b.failures.Load()
}

func (b *Beater) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, cancel := context.WithTimeout(ctx, b.interval)
			err := b.store.Beat(beatCtx, b.workerID, b.systemInfo())
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				n := b.failures.Add(1)
				b.logger.Warn("heartbeat: beat failed", "worker_id", b.workerID, "consecutive_failures", n, "error", err)
				continue
			}
			if n := b.failures.Swap(0); n > 0 {
				b.logger.Info("heartbeat: beat recovered", "worker_id", b.workerID, "after_failures", n)
			}
		}
	}
}

func (b *Beater) systemInfo() map[string]any {
	hostname, _ := os.Hostname()
	return map[string]any{
		"hostname":   hostname,
		"pid":        os.Getpid(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"version":    b.version,
	}
}
