package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Channels
// ============================================================================

// Channel identifies one PT2258 output.
type Channel int

const (
	ChannelFL Channel = iota
	ChannelFR
	ChannelC
	ChannelSW
	ChannelRL
	ChannelRR
)

var channelNames = [NumChannels]string{"FL", "FR", "C", "SW", "RL", "RR"}

// allChannels is the order used for every multi-channel write.
var allChannels = [NumChannels]Channel{ChannelFL, ChannelFR, ChannelC, ChannelSW, ChannelRL, ChannelRR}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return "ch(" + strconv.Itoa(int(c)) + ")"
	}
	return channelNames[c]
}

func (c Channel) valid() bool { return c >= 0 && int(c) < NumChannels }

// ParseChannel accepts a channel name (case-insensitive) or a 1-based index.
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimSpace(s)
	for i, name := range channelNames {
		if strings.EqualFold(s, name) {
			return Channel(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= NumChannels {
		return Channel(n - 1), nil
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

func (c Channel) MarshalText() ([]byte, error) {
	if !c.valid() {
		return nil, fmt.Errorf("invalid channel %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(b []byte) error {
	ch, err := ParseChannel(string(b))
	if err != nil {
		return err
	}
	*c = ch
	return nil
}

// ============================================================================
// System state
// ============================================================================

// SystemState is the committed audio state. It is a value type: every
// transition produces a new copy and the control loop is its only owner.
type SystemState struct {
	// Level is the master stage, 0 (quietest) to MaxLevel (0 dB).
	Level int
	// ChannelLevels are the per-channel stages. They are independent of Level;
	// the chip adds both attenuations. MaxLevel is a neutral trim.
	ChannelLevels [NumChannels]int
	Muted         bool
	ActiveInput   string

	// Revision increments once per committed logical change.
	Revision uint64

	// Degraded is set when the last hardware apply failed; AppliedRevision is
	// the newest revision the hardware is known to hold.
	Degraded        bool
	AppliedRevision uint64

	// AudioStatus is the last observed playback status ("running", "closed", ...).
	AudioStatus string

	// UpdatedAt is the time of the event that produced this state.
	UpdatedAt time.Time
}

// DefaultState is used on first boot and whenever the state file cannot be
// loaded: quietest master level, neutral channel trims, muted, first
// configured input.
func DefaultState(inputs []string) SystemState {
	s := SystemState{Muted: true}
	for i := range s.ChannelLevels {
		s.ChannelLevels[i] = MaxLevel
	}
	if len(inputs) > 0 {
		s.ActiveInput = inputs[0]
	}
	return s
}

func clampLevel(l int) int {
	if l < 0 {
		return 0
	}
	if l > MaxLevel {
		return MaxLevel
	}
	return l
}

// logicallyEqual compares the user-visible fields that drive the revision counter.
func (s SystemState) logicallyEqual(o SystemState) bool {
	return s.Level == o.Level &&
		s.ChannelLevels == o.ChannelLevels &&
		s.Muted == o.Muted &&
		s.ActiveInput == o.ActiveInput
}

// withLevel moves the master stage only. Channel trims are left alone.
func (s SystemState) withLevel(level int) SystemState {
	s.Level = clampLevel(level)
	return s
}

// applyIntent is the pure state transformation for a single intent. It never
// touches Revision; the reducer decides whether the result is a new commit.
func (s SystemState) applyIntent(in Intent, inputs []string) (SystemState, error) {
	switch it := in.(type) {
	case VolumeDelta:
		return s.withLevel(s.Level + it.Steps), nil

	case SetVolume:
		return s.withLevel(it.Level), nil

	case SetChannelVolume:
		if !it.Channel.valid() {
			return s, fmt.Errorf("invalid channel %d", int(it.Channel))
		}
		s.ChannelLevels[it.Channel] = clampLevel(it.Level)
		return s, nil

	case SetChannelLevels:
		for i, l := range it.Levels {
			s.ChannelLevels[i] = clampLevel(l)
		}
		return s, nil

	case ToggleMute:
		s.Muted = !s.Muted
		return s, nil

	case SetMute:
		s.Muted = it.Muted
		return s, nil

	case CycleInput:
		if len(inputs) == 0 {
			return s, nil
		}
		next := inputs[0]
		for i, id := range inputs {
			if id == s.ActiveInput {
				next = inputs[(i+1)%len(inputs)]
				break
			}
		}
		s.ActiveInput = next
		return s, nil

	case SetInput:
		if !containsInput(inputs, it.ID) {
			return s, errUnknownInput{id: it.ID}
		}
		s.ActiveInput = it.ID
		return s, nil

	default:
		return s, fmt.Errorf("unsupported intent %T", in)
	}
}

func containsInput(inputs []string, id string) bool {
	for _, v := range inputs {
		if v == id {
			return true
		}
	}
	return false
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is the immutable view of SystemState handed to observers (MQTT,
// websocket, IPC, display). It never shares memory with the loop's state.
type Snapshot struct {
	Level           int              `json:"level"`
	ChannelLevels   [NumChannels]int `json:"channel_levels"`
	Muted           bool             `json:"muted"`
	ActiveInput     string           `json:"active_input"`
	Revision        uint64           `json:"revision"`
	Degraded        bool             `json:"degraded"`
	AppliedRevision uint64           `json:"applied_revision"`
	AudioStatus     string           `json:"audio_status,omitempty"`
	At              time.Time        `json:"ts"`
}

// Snapshot returns a copy of the state suitable for publishing.
func (s SystemState) Snapshot() Snapshot {
	return Snapshot{
		Level:           s.Level,
		ChannelLevels:   s.ChannelLevels,
		Muted:           s.Muted,
		ActiveInput:     s.ActiveInput,
		Revision:        s.Revision,
		Degraded:        s.Degraded,
		AppliedRevision: s.AppliedRevision,
		AudioStatus:     s.AudioStatus,
		At:              s.UpdatedAt,
	}
}

// ============================================================================
// Daemon state
// ============================================================================

// Phase is the control loop lifecycle.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseReady
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseReady:
		return "ready"
	case PhaseStopping:
		return "stopping"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// DaemonState is owned exclusively by the control loop goroutine.
type DaemonState struct {
	Phase  Phase
	System SystemState

	// ChipReady records that the chip has been cleared successfully at least once.
	ChipReady bool
}
