package main

import "errors"

// This file implements the reducer-style control core:
//
//   - Events: inputs to the reducer (intents, hardware observations, retry ticks)
//   - Commands: side effects requested by the reducer (chip writes, input select, persistence)
//   - Reduce(): computes next state + commands, without performing I/O
//
// The daemon loop is responsible for executing Commands and feeding observations back as Events.

// ReduceConfig carries the static configuration the reducer needs.
type ReduceConfig struct {
	// Inputs is the configured input id order, used by CycleInput and to
	// validate SetInput.
	Inputs []string
}

// ReduceResult is the output of Reduce(): next state plus a set of Commands to execute.
// Err is set when an event was rejected; the state is then unchanged.
type ReduceResult struct {
	State    *DaemonState
	Commands []Command
	Err      error
}

var errNotReady = errors.New("control loop not ready")

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate its input state; it returns a fresh copy
//
// Hardware is never consulted here. A committed change always emits a
// CmdPersist, and emits hardware commands for exactly the fields that changed.
// While the hardware is degraded every commit asks for a full re-apply instead.
func Reduce(s *DaemonState, e Event, cfg ReduceConfig) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}
	next := *s

	var cmds []Command

	switch ev := e.(type) {
	case Started:
		if next.Phase != PhaseUninitialized {
			return ReduceResult{State: &next}
		}
		next.Phase = PhaseReady
		next.System.UpdatedAt = ev.At
		cmds = append(cmds, CmdApplyFull{State: next.System, Init: true})

	case IntentEvent:
		if next.Phase == PhaseUninitialized {
			return ReduceResult{State: &next, Err: errNotReady}
		}
		cand, err := next.System.applyIntent(ev.Intent, cfg.Inputs)
		if err != nil {
			return ReduceResult{State: &next, Err: err}
		}
		if cand.logicallyEqual(next.System) {
			return ReduceResult{State: &next}
		}
		prev := next.System
		cand.Revision = prev.Revision + 1
		cand.UpdatedAt = ev.At
		next.System = cand

		cmds = append(cmds, hardwareCommands(prev, cand, next.ChipReady)...)
		cmds = append(cmds, CmdPersist{State: cand})

	case InputObserved:
		// The selector was moved outside our control. Record it without
		// driving the selector back.
		if next.Phase == PhaseUninitialized || ev.ID == next.System.ActiveInput {
			return ReduceResult{State: &next}
		}
		if !containsInput(cfg.Inputs, ev.ID) {
			return ReduceResult{State: &next, Err: errUnknownInput{id: ev.ID}}
		}
		next.System.ActiveInput = ev.ID
		next.System.Revision++
		next.System.UpdatedAt = ev.At
		cmds = append(cmds, CmdPersist{State: next.System})

	case AudioStatusObserved:
		next.System.AudioStatus = ev.Status

	case HardwareApplied:
		if ev.Full {
			next.System.Degraded = false
			if full, ok := ev.Command.(CmdApplyFull); ok && full.Init {
				next.ChipReady = true
			}
		}
		if (ev.Full || !next.System.Degraded) && ev.Revision > next.System.AppliedRevision {
			next.System.AppliedRevision = ev.Revision
		}

	case HardwareFailed:
		// No rollback: the committed state stays authoritative and is
		// re-applied in full on the next commit or retry tick.
		next.System.Degraded = true

	case RetryTick:
		if next.Phase == PhaseReady && next.System.Degraded {
			cmds = append(cmds, CmdApplyFull{State: next.System, Init: !next.ChipReady})
		}

	case RequestStateSnapshot:
		cmds = append(cmds, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: next.System.Snapshot(),
		})
	}

	return ReduceResult{State: &next, Commands: cmds}
}

// hardwareCommands derives the minimal hardware writes for a commit.
func hardwareCommands(prev, next SystemState, chipReady bool) []Command {
	if prev.Degraded {
		return []Command{CmdApplyFull{State: next, Init: !chipReady}}
	}

	var cmds []Command

	switch {
	case prev.Muted != next.Muted:
		cmds = append(cmds, CmdApplyMute{
			Muted:    next.Muted,
			Master:   next.Level,
			Levels:   next.ChannelLevels,
			Revision: next.Revision,
		})

	case next.Muted:
		// Level changes while muted are held in state only; the chip stays at
		// full attenuation until unmute restores them.

	default:
		if prev.Level != next.Level {
			cmds = append(cmds, CmdApplyMaster{Level: next.Level, Revision: next.Revision})
		}
		if prev.ChannelLevels != next.ChannelLevels {
			cmds = append(cmds, channelCommand(prev.ChannelLevels, next.ChannelLevels, next.Revision))
		}
	}

	if prev.ActiveInput != next.ActiveInput {
		cmds = append(cmds, CmdSelectInput{ID: next.ActiveInput, Revision: next.Revision})
	}

	return cmds
}

// channelCommand writes a single channel when only one stage moved, and all
// of them otherwise.
func channelCommand(prev, next [NumChannels]int, rev uint64) Command {
	changed := -1
	count := 0
	for i := range next {
		if prev[i] != next[i] {
			changed = i
			count++
		}
	}
	if count == 1 {
		return CmdApplyChannel{Channel: Channel(changed), Level: next[changed], Revision: rev}
	}
	return CmdApplyVolume{Levels: next, Revision: rev}
}
