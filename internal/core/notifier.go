package core

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DefaultNotifyQueue is the number of notifications buffered for slow clients.
const DefaultNotifyQueue = 256

// Broadcaster sends a notification to every interested client.
type Broadcaster interface {
	Notify(method string, params any)
}

// Notifier forwards every bus event to a Broadcaster from its own
// goroutine. Events are dropped with a warning when the queue is full.
type Notifier struct {
	out     Broadcaster
	queue   chan Event
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewNotifier subscribes to bus. Run must be called to deliver.
func NewNotifier(bus *EventBus, out Broadcaster, size int, logger *slog.Logger) *Notifier {
	if size <= 0 {
		size = DefaultNotifyQueue
	}
	n := &Notifier{
		out:    out,
		queue:  make(chan Event, size),
		logger: logger.With("component", "notifier"),
	}
	bus.OnAll(n.enqueue)
	return n
}

func (n *Notifier) enqueue(e Event) {
	select {
	case n.queue <- e:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, dropping", "type", e.Type)
	}
}

// Dropped returns the number of notifications lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run delivers queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case e := <-n.queue:
			n.out.Notify(e.Type, e.Data)
		case <-ctx.Done():
			return nil
		}
	}
}
