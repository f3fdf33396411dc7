package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/storage"
)

// brokerRetryDelay spaces out attempts to restore a broken LISTEN session.
const brokerRetryDelay = time.Second

// eventSource is the LISTEN side of storage the broker reads from.
type eventSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Close(ctx context.Context) error
}

// Broker fans task lifecycle events from Postgres LISTEN/NOTIFY out to SSE
// subscribers. Each subscriber follows one task and only receives that task's
// events. The broker holds its own LISTEN session so it never competes with a
// worker for the DB's notify connection.
type Broker struct {
	source eventSource
	logger *slog.Logger
	ready  chan struct{}

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan model.TaskEvent]struct{}
}

// NewBroker creates a broker on a fresh listener from db. Call Start to begin
// listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return newBroker(db.NewListener(), logger)
}

func newBroker(source eventSource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		ready:       make(chan struct{}),
		subscribers: make(map[uuid.UUID]map[chan model.TaskEvent]struct{}),
	}
}

// Ready is closed once the broker first subscribes to the event channel.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Start listens on storage.ChannelTaskEvents and broadcasts every event until
// ctx is cancelled. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	defer func() { _ = b.source.Close(context.WithoutCancel(ctx)) }()

	for {
		err := b.source.Listen(ctx, storage.ChannelTaskEvents)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("broker: listen task events, retrying", "error", err)
		if !sleepCtx(ctx, brokerRetryDelay) {
			return
		}
	}
	close(b.ready)
	b.logger.Info("broker: listening for task events", "channel", storage.ChannelTaskEvents)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			if !sleepCtx(ctx, brokerRetryDelay) {
				return
			}
			continue
		}

		var ev model.TaskEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Warn("broker: malformed task event", "error", err)
			continue
		}
		b.broadcast(ev)
	}
}

// Subscribe returns a channel that receives the events of taskID.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(taskID uuid.UUID) chan model.TaskEvent {
	ch := make(chan model.TaskEvent, 64)
	b.mu.Lock()
	subs, ok := b.subscribers[taskID]
	if !ok {
		subs = make(map[chan model.TaskEvent]struct{})
		b.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(taskID uuid.UUID, ch chan model.TaskEvent) {
	b.mu.Lock()
	if subs, ok := b.subscribers[taskID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subscribers, taskID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// broadcast sends ev to the subscribers of its task. A subscriber whose
// buffer is full misses the event; event ids let it notice the gap and
// resume from history.
func (b *Broker) broadcast(ev model.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("broker: subscriber full, event dropped", "task_id", ev.TaskID, "event_id", ev.ID)
		}
	}
}

// formatSSE renders ev as a Server-Sent Events message. The event id is the
// history id, so a reconnecting client resumes with Last-Event-ID.
func formatSSE(ev model.TaskEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
