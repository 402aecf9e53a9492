package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the soundmaster daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	I2C           I2CConfig           `yaml:"i2c"`
	Chip          ChipConfig          `yaml:"chip"`
	Control       ControlConfig       `yaml:"control"`
	Encoder       EncoderConfig       `yaml:"encoder"`
	Inputs        []InputConfig       `yaml:"inputs"`
	InputSelector InputSelectorConfig `yaml:"input_selector"`
	Display       DisplayConfig       `yaml:"display"`
	State         StateConfig         `yaml:"state"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http"`
	IPC           IPCConfig           `yaml:"ipc"`
	AudioStatus   AudioStatusConfig   `yaml:"audio_status"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type I2CConfig struct {
	// Bus is the periph bus name ("1", "/dev/i2c-1"); empty picks the first bus.
	Bus       string `yaml:"bus"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ChipConfig struct {
	// Address is the 8-bit write address (0x80, 0x84, 0x88 or 0x8C).
	Address  uint16 `yaml:"address"`
	SettleMS int    `yaml:"settle_ms"`
}

type ControlConfig struct {
	QueueSize       int `yaml:"queue_size"`
	RetryIntervalMS int `yaml:"retry_interval_ms"`
	// RemoteEnqueueMS is how long remote producers wait for queue room.
	RemoteEnqueueMS int `yaml:"remote_enqueue_timeout_ms"`
}

type EncoderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // "gpio" or "evdev"

	// gpio backend
	PinA            string `yaml:"pin_a"`
	PinB            string `yaml:"pin_b"`
	PinButton       string `yaml:"pin_button"`
	Pull            string `yaml:"pull"`
	ButtonActiveLow bool   `yaml:"button_active_low"`
	DebounceMS      int    `yaml:"debounce_ms"`
	StepsPerDetent  int    `yaml:"steps_per_detent"`

	// evdev backend
	Devices []string `yaml:"devices,omitempty"`
	KeyCode int      `yaml:"key_code"`

	ShortPressMaxMS int `yaml:"short_press_max_ms"`
	LongPressMinMS  int `yaml:"long_press_min_ms"`
	LongPressMaxMS  int `yaml:"long_press_max_ms"`

	// Acceleration is empty (disabled) by default.
	Acceleration []AccelerationRule `yaml:"acceleration,omitempty"`
}

type AccelerationRule struct {
	WithinMS   int `yaml:"within_ms"`
	Multiplier int `yaml:"multiplier"`
}

type InputConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	SelectPin string `yaml:"select_pin,omitempty"`
	StatusPin string `yaml:"status_pin,omitempty"`
}

type InputSelectorConfig struct {
	Mode        string `yaml:"mode"` // "lines", "pulse" or "virtual"
	SwitchPin   string `yaml:"switch_pin,omitempty"`
	StatusPull  string `yaml:"status_pull"`
	PulseMS     int    `yaml:"pulse_ms"`
	SettleMS    int    `yaml:"settle_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type DisplayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      uint16 `yaml:"address"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Rotated      bool   `yaml:"rotated"`
	ClearAfterMS int    `yaml:"clear_after_ms"`
}

type StateConfig struct {
	Path        string `yaml:"path"`
	SaveDelayMS int    `yaml:"save_delay_ms"`
}

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Server    string `yaml:"server"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	MainTopic string `yaml:"main_topic"`
	QoS       int    `yaml:"qos"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type AudioStatusConfig struct {
	// Path is the ALSA substream status file; empty disables monitoring.
	Path       string `yaml:"path"`
	IntervalMS int    `yaml:"interval_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// maxInputs bounds the input list; the DSP board has eight status lines at most.
const maxInputs = 8

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		I2C: I2CConfig{
			Bus:       "",
			TimeoutMS: defaultI2CTimeoutMS,
		},
		Chip: ChipConfig{
			Address:  defaultChipAddress,
			SettleMS: defaultChipSettleMS,
		},
		Control: ControlConfig{
			QueueSize:       defaultQueueSize,
			RetryIntervalMS: defaultRetryIntervalMS,
			RemoteEnqueueMS: defaultRemoteEnqueueMS,
		},
		Encoder: EncoderConfig{
			Enabled:         true,
			Backend:         "gpio",
			PinA:            "GPIO17",
			PinB:            "GPIO27",
			PinButton:       "GPIO22",
			Pull:            "up",
			ButtonActiveLow: true,
			DebounceMS:      defaultDebounceMS,
			StepsPerDetent:  defaultStepsPerDetent,
			KeyCode:         KEY_ENTER,
			ShortPressMaxMS: defaultShortPressMaxMS,
			LongPressMinMS:  defaultLongPressMinMS,
			LongPressMaxMS:  defaultLongPressMaxMS,
		},
		Inputs: []InputConfig{
			{ID: "OPi", Name: "OPi"},
			{ID: "Opt1", Name: "Optical 1", StatusPin: "GPIO6"},
			{ID: "Opt2", Name: "Optical 2", StatusPin: "GPIO13"},
			{ID: "AUX", Name: "AUX", StatusPin: "GPIO19"},
		},
		InputSelector: InputSelectorConfig{
			Mode:        SelectorPulse,
			SwitchPin:   "GPIO5",
			StatusPull:  "down",
			PulseMS:     defaultPulseMS,
			SettleMS:    defaultSelectSettleMS,
			MaxAttempts: defaultSelectMaxAttempts,
		},
		Display: DisplayConfig{
			Enabled:      false,
			Address:      defaultDisplayAddress,
			Width:        128,
			Height:       32,
			ClearAfterMS: defaultDisplayClearMS,
		},
		State: StateConfig{
			Path:        "/var/lib/soundmaster/state.json",
			SaveDelayMS: defaultSaveDelayMS,
		},
		MQTT: MQTTConfig{
			Enabled:   true,
			Server:    "localhost",
			Port:      defaultMQTTPort,
			MainTopic: defaultMainTopic,
			QoS:       1,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":3001",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/soundmaster.sock",
		},
		AudioStatus: AudioStatusConfig{
			Path:       "/proc/asound/card0/pcm0p/sub0/status",
			IntervalMS: defaultAudioPollMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds command-line overrides. A nil pointer means "not set";
// a non-nil pointer is applied even if it is a zero value.
type FlagOverrides struct {
	I2CBus         *string
	EncoderBackend *string
	StatePath      *string
	MQTTEnabled    *bool
	MQTTServer     *string
	MQTTPort       *int
	HTTPAddr       *string
	IPCSocketPath  *string
	DisplayEnabled *bool
	LogLevel       *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.I2CBus != nil {
		cfg.I2C.Bus = *o.I2CBus
	}
	if o.EncoderBackend != nil {
		cfg.Encoder.Backend = *o.EncoderBackend
	}
	if o.StatePath != nil {
		cfg.State.Path = *o.StatePath
	}
	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTServer != nil {
		cfg.MQTT.Server = *o.MQTTServer
	}
	if o.MQTTPort != nil {
		cfg.MQTT.Port = *o.MQTTPort
	}
	if o.HTTPAddr != nil {
		cfg.HTTP.Addr = *o.HTTPAddr
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.DisplayEnabled != nil {
		cfg.Display.Enabled = *o.DisplayEnabled
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants. It is called after defaults + file +
// overrides are applied and returns a *ConfigError naming the first bad field.
func (c *Config) Validate() error {
	if c.I2C.TimeoutMS <= 0 || c.I2C.TimeoutMS > 5000 {
		return configErrorf("i2c.timeout_ms", "must be between 1 and 5000")
	}
	if !validChipAddress(c.Chip.Address) {
		return configErrorf("chip.address", "0x%02x is not a PT2258 address (0x80, 0x84, 0x88, 0x8c)", c.Chip.Address)
	}
	if c.Chip.SettleMS < 0 {
		return configErrorf("chip.settle_ms", "must be >= 0")
	}

	if c.Control.QueueSize <= 0 || c.Control.QueueSize > 4096 {
		return configErrorf("control.queue_size", "must be between 1 and 4096")
	}
	if c.Control.RetryIntervalMS <= 0 {
		return configErrorf("control.retry_interval_ms", "must be > 0")
	}
	if c.Control.RemoteEnqueueMS < 0 {
		return configErrorf("control.remote_enqueue_timeout_ms", "must be >= 0")
	}

	if err := c.validateInputs(); err != nil {
		return err
	}
	if err := c.validateEncoder(); err != nil {
		return err
	}

	if c.Display.Enabled {
		if c.Display.Address < 0x03 || c.Display.Address > 0x77 {
			return configErrorf("display.address", "0x%02x is not a 7-bit i2c address", c.Display.Address)
		}
		if c.Display.Width <= 0 || c.Display.Height <= 0 {
			return configErrorf("display.width", "display size must be > 0")
		}
		if c.Display.ClearAfterMS < 0 {
			return configErrorf("display.clear_after_ms", "must be >= 0")
		}
	}

	if c.State.Path == "" {
		return configErrorf("state.path", "must not be empty")
	}
	if c.State.SaveDelayMS < 0 || c.State.SaveDelayMS > 5000 {
		return configErrorf("state.save_delay_ms", "must be between 0 and 5000")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Server == "" {
			return configErrorf("mqtt.server", "must not be empty when mqtt is enabled")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return configErrorf("mqtt.port", "must be between 1 and 65535")
		}
		if c.MQTT.MainTopic == "" {
			return configErrorf("mqtt.main_topic", "must not be empty")
		}
		if strings.ContainsAny(c.MQTT.MainTopic, "+#") {
			return configErrorf("mqtt.main_topic", "must not contain wildcards")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return configErrorf("mqtt.qos", "must be 0, 1 or 2")
		}
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return configErrorf("http.addr", "must not be empty when http is enabled")
	}

	if c.AudioStatus.Path != "" && c.AudioStatus.IntervalMS <= 0 {
		return configErrorf("audio_status.interval_ms", "must be > 0")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return configErrorf("logging.level", "%v", err)
	}

	return nil
}

func (c *Config) validateInputs() error {
	if len(c.Inputs) == 0 || len(c.Inputs) > maxInputs {
		return configErrorf("inputs", "between 1 and %d inputs are required", maxInputs)
	}
	seen := make(map[string]bool, len(c.Inputs))
	noStatus := 0
	for i, in := range c.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in.ID == "" {
			return configErrorf(field+".id", "must not be empty")
		}
		if seen[in.ID] {
			return configErrorf(field+".id", "duplicate input id %q", in.ID)
		}
		seen[in.ID] = true
		if in.StatusPin == "" {
			noStatus++
		}
		if c.InputSelector.Mode == SelectorLines && in.SelectPin == "" {
			return configErrorf(field+".select_pin", "required in lines mode")
		}
	}

	switch c.InputSelector.Mode {
	case SelectorLines, SelectorVirtual:
	case SelectorPulse:
		if c.InputSelector.SwitchPin == "" {
			return configErrorf("input_selector.switch_pin", "required in pulse mode")
		}
		if noStatus > 1 {
			return configErrorf("inputs", "pulse mode allows at most one input without status_pin")
		}
		if c.InputSelector.PulseMS <= 0 {
			return configErrorf("input_selector.pulse_ms", "must be > 0")
		}
		if c.InputSelector.SettleMS < 0 {
			return configErrorf("input_selector.settle_ms", "must be >= 0")
		}
		if c.InputSelector.MaxAttempts <= 0 {
			return configErrorf("input_selector.max_attempts", "must be > 0")
		}
	default:
		return configErrorf("input_selector.mode", "must be %q, %q or %q", SelectorLines, SelectorPulse, SelectorVirtual)
	}
	if _, err := parsePull(c.InputSelector.StatusPull); err != nil {
		return configErrorf("input_selector.status_pull", "%v", err)
	}
	return nil
}

func (c *Config) validateEncoder() error {
	e := c.Encoder
	if !e.Enabled {
		return nil
	}
	switch e.Backend {
	case "gpio":
		if e.PinA == "" || e.PinB == "" {
			return configErrorf("encoder.pin_a", "pin_a and pin_b are required for the gpio backend")
		}
		if _, err := parsePull(e.Pull); err != nil {
			return configErrorf("encoder.pull", "%v", err)
		}
		switch e.StepsPerDetent {
		case 1, 2, 4:
		default:
			return configErrorf("encoder.steps_per_detent", "must be 1, 2 or 4")
		}
		if e.DebounceMS < 0 || e.DebounceMS >= 100 {
			return configErrorf("encoder.debounce_ms", "must be between 0 and 99")
		}
	case "evdev":
		if len(e.Devices) == 0 {
			return configErrorf("encoder.devices", "at least one device is required for the evdev backend")
		}
		for i, d := range e.Devices {
			if d == "" {
				return configErrorf(fmt.Sprintf("encoder.devices[%d]", i), "is empty")
			}
		}
		if e.KeyCode < 0 || e.KeyCode > 0x2ff {
			return configErrorf("encoder.key_code", "out of range")
		}
	default:
		return configErrorf("encoder.backend", "must be \"gpio\" or \"evdev\"")
	}

	if e.ShortPressMaxMS <= 0 {
		return configErrorf("encoder.short_press_max_ms", "must be > 0")
	}
	if e.LongPressMinMS < e.ShortPressMaxMS {
		return configErrorf("encoder.long_press_min_ms", "must be >= short_press_max_ms")
	}
	if e.LongPressMaxMS <= e.LongPressMinMS {
		return configErrorf("encoder.long_press_max_ms", "must be > long_press_min_ms")
	}
	for i, r := range e.Acceleration {
		if r.WithinMS <= 0 || r.Multiplier < 1 {
			return configErrorf(fmt.Sprintf("encoder.acceleration[%d]", i), "within_ms must be > 0 and multiplier >= 1")
		}
	}
	return nil
}

// InputIDs returns the configured input ids in declaration order.
func (c *Config) InputIDs() []string {
	ids := make([]string, len(c.Inputs))
	for i, in := range c.Inputs {
		ids[i] = in.ID
	}
	return ids
}

// InputNames maps input ids to display names.
func (c *Config) InputNames() map[string]string {
	names := make(map[string]string, len(c.Inputs))
	for _, in := range c.Inputs {
		name := in.Name
		if name == "" {
			name = in.ID
		}
		names[in.ID] = name
	}
	return names
}

// EncoderOptions converts the file config into encoder tuning.
func (c *Config) EncoderOptions() EncoderOptions {
	rules := make([]AccelRule, 0, len(c.Encoder.Acceleration))
	for _, r := range c.Encoder.Acceleration {
		rules = append(rules, AccelRule{Within: ms(r.WithinMS), Multiplier: r.Multiplier})
	}
	return EncoderOptions{
		Debounce:       ms(c.Encoder.DebounceMS),
		StepsPerDetent: c.Encoder.StepsPerDetent,
		ShortPressMax:  ms(c.Encoder.ShortPressMaxMS),
		LongPressMin:   ms(c.Encoder.LongPressMinMS),
		LongPressMax:   ms(c.Encoder.LongPressMaxMS),
		Acceleration:   rules,
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
