package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Control loop
// ============================================================================
//
// One goroutine owns DaemonState, the chip and the input selector. Producers
// (encoder, MQTT, IPC, HTTP) only enqueue intents; observers only receive
// Snapshots.
//
//   - The reducer performs no I/O and computes: next state + commands.
//   - The loop is the only place that executes side effects.
//   - Hardware results are turned into Events and fed back into the reducer.
//
// ============================================================================

// SnapshotSink receives every published snapshot. PublishSnapshot must not block.
type SnapshotSink interface {
	PublishSnapshot(Snapshot)
}

// Daemon wires the control loop to its inputs and outputs.
type Daemon struct {
	Intents <-chan IntentEvent
	// Events carries observations and snapshot requests from other goroutines.
	Events <-chan Event

	Hardware  Hardware
	Persister statePersister
	Sinks     []SnapshotSink
	Reduce    ReduceConfig

	// RetryInterval is how often a degraded hardware state is re-applied.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Run reduces events until ctx is canceled, then drains the queued intents,
// flushes persistence and returns the final state.
func (d *Daemon) Run(ctx context.Context, state *DaemonState) *DaemonState {
	logger := d.Logger
	if state == nil {
		state = &DaemonState{}
	}

	retry := d.RetryInterval
	if retry <= 0 {
		retry = time.Duration(defaultRetryIntervalMS) * time.Millisecond
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	var published *Snapshot

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, d.Reduce)
			if rr.State != nil {
				state = rr.State
			}
			if rr.Err != nil {
				if ie, ok := ev.(IntentEvent); ok {
					logger.Warn("intent rejected", "intent", ie.Intent.String(), "source", ie.Source, "error", rr.Err)
				} else {
					logger.Warn("event rejected", "error", rr.Err)
				}
			}
			if ie, ok := ev.(IntentEvent); ok && rr.Err == nil {
				logger.Debug("intent reduced", "intent", ie.Intent.String(), "source", ie.Source,
					"revision", state.System.Revision)
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(d.Hardware, d.Persister, cmd, logger, enqueueEvent)

			// Reduce observations promptly so the next command sees the
			// degraded flag of the previous one.
			flushEvents()
		}
	}

	// publish fans a snapshot out when anything observers care about changed.
	publish := func() {
		snap := state.System.Snapshot()
		if published != nil &&
			published.Revision == snap.Revision &&
			published.Degraded == snap.Degraded &&
			published.AppliedRevision == snap.AppliedRevision &&
			published.AudioStatus == snap.AudioStatus {
			return
		}
		published = &snap
		for _, s := range d.Sinks {
			s.PublishSnapshot(snap)
		}
	}

	cycle := func(ev Event) {
		enqueueEvent(ev)
		flushEvents()
		flushCommands()
		publish()
	}

	logger.Info("control loop starting",
		"revision", state.System.Revision,
		"level", state.System.Level,
		"muted", state.System.Muted,
		"input", state.System.ActiveInput)
	cycle(Started{At: time.Now()})

	for {
		select {
		case <-ctx.Done():
			state.Phase = PhaseStopping
			n := 0
		drain:
			for {
				select {
				case ev := <-d.Intents:
					cycle(ev)
					n++
				default:
					break drain
				}
			}
			if d.Persister != nil {
				if err := d.Persister.Flush(); err != nil {
					logger.Error("final state save failed", "error", err)
				}
			}
			logger.Info("control loop stopped", "drained_intents", n, "revision", state.System.Revision)
			return state

		case ev := <-d.Intents:
			cycle(ev)

		case ev := <-d.Events:
			cycle(ev)

		case now := <-ticker.C:
			cycle(RetryTick{Now: now})
		}
	}
}

// requestSnapshot asks the control loop for its current state.
func requestSnapshot(ctx context.Context, events chan<- Event, timeout time.Duration) (Snapshot, error) {
	reply := make(chan Snapshot, 1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
