package main

import (
	"log/slog"
	"time"
)

// VolumeChip is the subset of the PT2258 driver the control loop uses.
type VolumeChip interface {
	Init() error
	ApplyMaster(level int) error
	Apply(ch Channel, level int) error
	ApplyMute(ch Channel) error
	SetMute(on bool) error
}

// Hardware bundles the devices commands are executed against.
type Hardware struct {
	Chip     VolumeChip
	Selector InputSelector
}

// statePersister is implemented by *Persister.
type statePersister interface {
	Schedule(SystemState)
	Flush() error
}

// runEffect executes a single reducer-emitted Command and emits an observation
// Event via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
func runEffect(
	hw Hardware,
	persister statePersister,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	now := time.Now()

	fail := func(err error) {
		logger.Error("hardware command failed", "command", cmd.String(), "error", err)
		onEvent(HardwareFailed{Command: cmd, Err: err, At: now})
	}
	applied := func() {
		rev, full, _ := hardwareRevision(cmd)
		onEvent(HardwareApplied{Command: cmd, Revision: rev, Full: full, At: now})
	}

	switch c := cmd.(type) {
	case CmdApplyFull:
		if err := applyFull(hw, c); err != nil {
			fail(err)
			return
		}
		logger.Info("hardware state applied", "revision", c.State.Revision, "init", c.Init)
		applied()

	case CmdApplyMute:
		if err := applyMuteSequence(hw.Chip, c.Muted, c.Master, c.Levels); err != nil {
			fail(err)
			return
		}
		applied()

	case CmdApplyMaster:
		if err := hw.Chip.ApplyMaster(c.Level); err != nil {
			fail(err)
			return
		}
		applied()

	case CmdApplyVolume:
		if err := applyLevels(hw.Chip, c.Levels); err != nil {
			fail(err)
			return
		}
		applied()

	case CmdApplyChannel:
		if err := hw.Chip.Apply(c.Channel, c.Level); err != nil {
			fail(err)
			return
		}
		applied()

	case CmdSelectInput:
		if hw.Selector == nil {
			applied()
			return
		}
		if err := hw.Selector.Select(c.ID); err != nil {
			fail(err)
			return
		}
		applied()

	case CmdPersist:
		if persister != nil {
			persister.Schedule(c.State)
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}
		// Never block the loop on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(HardwareFailed{Command: cmd, Err: errUnknownCommand{cmd: cmd}, At: now})
	}
}

// applyFull writes the complete state.
func applyFull(hw Hardware, c CmdApplyFull) error {
	if c.Init {
		if err := hw.Chip.Init(); err != nil {
			return err
		}
	}
	if err := applyMuteSequence(hw.Chip, c.State.Muted, c.State.Level, c.State.ChannelLevels); err != nil {
		return err
	}
	if hw.Selector != nil && c.State.ActiveInput != "" {
		if err := hw.Selector.Select(c.State.ActiveInput); err != nil {
			return err
		}
	}
	return nil
}

// applyMuteSequence mutes by setting the mute bit and then forcing every
// channel to full attenuation. Unmute restores the master stage and the
// channels before releasing the mute bit.
func applyMuteSequence(chip VolumeChip, muted bool, master int, levels [NumChannels]int) error {
	if muted {
		if err := chip.SetMute(true); err != nil {
			return err
		}
		for _, ch := range allChannels {
			if err := chip.ApplyMute(ch); err != nil {
				return err
			}
		}
		return nil
	}

	if err := chip.ApplyMaster(master); err != nil {
		return err
	}
	if err := applyLevels(chip, levels); err != nil {
		return err
	}
	return chip.SetMute(false)
}

func applyLevels(chip VolumeChip, levels [NumChannels]int) error {
	for _, ch := range allChannels {
		if err := chip.Apply(ch, levels[ch]); err != nil {
			return err
		}
	}
	return nil
}
