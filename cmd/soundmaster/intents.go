package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Intents
// ============================================================================
// Intents are user requests coming from the encoder, MQTT, IPC or the HTTP
// surface. They are merged into a single FIFO and reduced by the control loop.
// ============================================================================

// Intent is a marker interface for user requests.
type Intent interface {
	intentMarker()
	String() string
}

// VolumeDelta moves the master level by Steps (positive is louder).
type VolumeDelta struct {
	Steps int `json:"steps"`
}

func (VolumeDelta) intentMarker()    {}
func (i VolumeDelta) String() string { return fmt.Sprintf("VolumeDelta(%+d)", i.Steps) }

// SetVolume sets the master level; out-of-range values are clamped.
type SetVolume struct {
	Level int `json:"level"`
}

func (SetVolume) intentMarker()    {}
func (i SetVolume) String() string { return fmt.Sprintf("SetVolume(%d)", i.Level) }

// SetChannelVolume sets one channel stage.
type SetChannelVolume struct {
	Channel Channel `json:"channel"`
	Level   int     `json:"level"`
}

func (SetChannelVolume) intentMarker() {}
func (i SetChannelVolume) String() string {
	return fmt.Sprintf("SetChannelVolume(%s=%d)", i.Channel, i.Level)
}

// SetChannelLevels sets every channel stage in one commit.
type SetChannelLevels struct {
	Levels [NumChannels]int `json:"levels"`
}

func (SetChannelLevels) intentMarker() {}
func (i SetChannelLevels) String() string {
	return fmt.Sprintf("SetChannelLevels(%v)", i.Levels)
}

type ToggleMute struct{}

func (ToggleMute) intentMarker()  {}
func (ToggleMute) String() string { return "ToggleMute()" }

type SetMute struct {
	Muted bool `json:"muted"`
}

func (SetMute) intentMarker()    {}
func (i SetMute) String() string { return fmt.Sprintf("SetMute(%v)", i.Muted) }

// CycleInput advances to the next configured input, wrapping around.
type CycleInput struct{}

func (CycleInput) intentMarker()  {}
func (CycleInput) String() string { return "CycleInput()" }

type SetInput struct {
	ID string `json:"id"`
}

func (SetInput) intentMarker()    {}
func (i SetInput) String() string { return fmt.Sprintf("SetInput(%s)", i.ID) }

// Source names the producer of an intent. It is carried for logging only.
type Source string

const (
	SourceEncoder Source = "encoder"
	SourceMQTT    Source = "mqtt"
	SourceIPC     Source = "ipc"
	SourceHTTP    Source = "http"
)

// ============================================================================
// JSON envelope
// ============================================================================
// The IPC socket and the HTTP API speak {"type": "...", "data": {...}}.
// ============================================================================

// IntentEnvelope wraps an intent with a type discriminator for JSON marshaling.
type IntentEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalIntent decodes an envelope into a concrete Intent.
func UnmarshalIntent(data []byte) (Intent, error) {
	var env IntentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return decodeEnvelope(env)
}

func decodeEnvelope(env IntentEnvelope) (Intent, error) {
	switch env.Type {
	case "volume_delta":
		var i VolumeDelta
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		return i, nil

	case "set_volume":
		var i SetVolume
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		return i, nil

	case "set_channel_volume":
		var i SetChannelVolume
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		return i, nil

	case "set_channel_levels":
		var i SetChannelLevels
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		return i, nil

	case "toggle_mute":
		return ToggleMute{}, nil

	case "set_mute":
		var i SetMute
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		return i, nil

	case "cycle_input":
		return CycleInput{}, nil

	case "set_input":
		var i SetInput
		if err := unmarshalData(env, &i); err != nil {
			return nil, err
		}
		if i.ID == "" {
			return nil, fmt.Errorf("set_input: id is empty")
		}
		return i, nil

	case "":
		return nil, fmt.Errorf("missing type")

	default:
		return nil, fmt.Errorf("unknown intent type %q", env.Type)
	}
}

func unmarshalData(env IntentEnvelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return nil
}

// MarshalIntent encodes an intent into its envelope form.
func MarshalIntent(in Intent) ([]byte, error) {
	var env IntentEnvelope

	switch i := in.(type) {
	case VolumeDelta:
		env.Type = "volume_delta"
	case SetVolume:
		env.Type = "set_volume"
	case SetChannelVolume:
		env.Type = "set_channel_volume"
	case SetChannelLevels:
		env.Type = "set_channel_levels"
	case ToggleMute:
		env.Type = "toggle_mute"
	case SetMute:
		env.Type = "set_mute"
	case CycleInput:
		env.Type = "cycle_input"
	case SetInput:
		env.Type = "set_input"
	default:
		return nil, fmt.Errorf("unknown intent type: %T", i)
	}

	switch in.(type) {
	case ToggleMute, CycleInput:
	default:
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}

// ============================================================================
// Events
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// IntentEvent is an intent stamped with its source and arrival time.
type IntentEvent struct {
	Intent Intent
	Source Source
	At     time.Time
}

func (IntentEvent) eventMarker() {}

// Started is the first event the loop reduces; it moves the loop to Ready.
type Started struct {
	At time.Time
}

func (Started) eventMarker() {}

// InputObserved reports that the input selector hardware changed on its own
// (front-panel button on the DSP board, or a select the loop did not issue).
type InputObserved struct {
	ID string
	At time.Time
}

func (InputObserved) eventMarker() {}

// AudioStatusObserved reports the ALSA playback status.
type AudioStatusObserved struct {
	Status string
	At     time.Time
}

func (AudioStatusObserved) eventMarker() {}

// HardwareApplied is emitted after a hardware command completed.
type HardwareApplied struct {
	Command  Command
	Revision uint64
	Full     bool
	At       time.Time
}

func (HardwareApplied) eventMarker() {}

// HardwareFailed is emitted when a hardware command failed part way.
type HardwareFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (HardwareFailed) eventMarker() {}

// RetryTick drives re-application while the hardware is degraded.
type RetryTick struct {
	Now time.Time
}

func (RetryTick) eventMarker() {}

// RequestStateSnapshot asks the loop for a snapshot. The reply channel should
// be buffered (size 1); the loop never blocks on it.
type RequestStateSnapshot struct {
	Reply chan<- Snapshot
}

func (RequestStateSnapshot) eventMarker() {}
