package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// IntentQueue is the single FIFO every producer feeds and the control loop
// drains. When full, new intents are dropped; the producer never blocks the
// encoder edge path.
type IntentQueue struct {
	ch      chan IntentEvent
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewIntentQueue(size int, logger *slog.Logger) *IntentQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &IntentQueue{
		ch:     make(chan IntentEvent, size),
		logger: logger,
	}
}

// Offer enqueues without blocking. It reports false if the intent was dropped.
func (q *IntentQueue) Offer(ev IntentEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case q.ch <- ev:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("intent queue full, dropping intent",
			"intent", ev.Intent.String(), "source", ev.Source, "dropped_total", n)
		return false
	}
}

// OfferWait waits up to timeout for room. Remote producers use it so a burst
// of network messages is absorbed instead of dropped.
func (q *IntentQueue) OfferWait(ctx context.Context, ev IntentEvent, timeout time.Duration) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		n := q.dropped.Add(1)
		q.logger.Warn("intent queue full, dropping intent",
			"intent", ev.Intent.String(), "source", ev.Source, "dropped_total", n)
		return errQueueFull
	}
}

// C is the consumer side, read only by the control loop.
func (q *IntentQueue) C() <-chan IntentEvent { return q.ch }

// Dropped returns how many intents were rejected so far.
func (q *IntentQueue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of queued intents.
func (q *IntentQueue) Len() int { return len(q.ch) }
