package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop:
// chip writes, input selection, persistence, snapshot replies.
type Command interface {
	commandMarker()
	String() string
}

// CmdApplyFull writes the whole state to the hardware: mute bit, master
// stage, every channel, input. Init also clears the chip registers first.
type CmdApplyFull struct {
	State SystemState
	Init  bool
}

func (CmdApplyFull) commandMarker() {}
func (c CmdApplyFull) String() string {
	return fmt.Sprintf("CmdApplyFull(rev=%d, init=%v)", c.State.Revision, c.Init)
}

// CmdApplyMute runs the mute or unmute sequence. Master and Levels are
// restored on unmute.
type CmdApplyMute struct {
	Muted    bool
	Master   int
	Levels   [NumChannels]int
	Revision uint64
}

func (CmdApplyMute) commandMarker() {}
func (c CmdApplyMute) String() string {
	return fmt.Sprintf("CmdApplyMute(muted=%v, rev=%d)", c.Muted, c.Revision)
}

// CmdApplyMaster writes the master stage.
type CmdApplyMaster struct {
	Level    int
	Revision uint64
}

func (CmdApplyMaster) commandMarker() {}
func (c CmdApplyMaster) String() string {
	return fmt.Sprintf("CmdApplyMaster(%d, rev=%d)", c.Level, c.Revision)
}

// CmdApplyVolume writes every channel stage.
type CmdApplyVolume struct {
	Levels   [NumChannels]int
	Revision uint64
}

func (CmdApplyVolume) commandMarker() {}
func (c CmdApplyVolume) String() string {
	return fmt.Sprintf("CmdApplyVolume(levels=%v, rev=%d)", c.Levels, c.Revision)
}

// CmdApplyChannel writes one channel stage.
type CmdApplyChannel struct {
	Channel  Channel
	Level    int
	Revision uint64
}

func (CmdApplyChannel) commandMarker() {}
func (c CmdApplyChannel) String() string {
	return fmt.Sprintf("CmdApplyChannel(%s=%d, rev=%d)", c.Channel, c.Level, c.Revision)
}

// CmdSelectInput drives the input selector.
type CmdSelectInput struct {
	ID       string
	Revision uint64
}

func (CmdSelectInput) commandMarker() {}
func (c CmdSelectInput) String() string {
	return fmt.Sprintf("CmdSelectInput(%s, rev=%d)", c.ID, c.Revision)
}

// CmdPersist schedules a debounced save of the state.
type CmdPersist struct {
	State SystemState
}

func (CmdPersist) commandMarker() {}
func (c CmdPersist) String() string {
	return fmt.Sprintf("CmdPersist(rev=%d)", c.State.Revision)
}

// CmdPublishStateSnapshot delivers a snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- Snapshot
	Snapshot Snapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (c CmdPublishStateSnapshot) String() string {
	return fmt.Sprintf("CmdPublishStateSnapshot(rev=%d)", c.Snapshot.Revision)
}

// hardwareRevision reports the revision a hardware command carries and whether
// it is a full apply. ok is false for non-hardware commands.
func hardwareRevision(cmd Command) (rev uint64, full bool, ok bool) {
	switch c := cmd.(type) {
	case CmdApplyFull:
		return c.State.Revision, true, true
	case CmdApplyMute:
		return c.Revision, false, true
	case CmdApplyMaster:
		return c.Revision, false, true
	case CmdApplyVolume:
		return c.Revision, false, true
	case CmdApplyChannel:
		return c.Revision, false, true
	case CmdSelectInput:
		return c.Revision, false, true
	default:
		return 0, false, false
	}
}
