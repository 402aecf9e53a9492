package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soundmaster.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if got := cfg.InputIDs(); strings.Join(got, ",") != "OPi,Opt1,Opt2,AUX" {
		t.Errorf("input ids = %v", got)
	}
	if cfg.InputNames()["Opt1"] != "Optical 1" {
		t.Errorf("input names = %v", cfg.InputNames())
	}
}

func TestLoadConfigFile_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
chip:
  address: 0x8C
encoder:
  backend: evdev
  devices: ["/dev/input/event1"]
  acceleration:
    - within_ms: 40
      multiplier: 3
inputs:
  - id: OPi
    select_pin: GPIO5
  - id: AUX
    name: Aux In
    select_pin: GPIO6
input_selector:
  mode: lines
mqtt:
  enabled: false
`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Chip.Address != 0x8C {
		t.Errorf("chip address = 0x%02x", cfg.Chip.Address)
	}
	if cfg.I2C.TimeoutMS != defaultI2CTimeoutMS {
		t.Errorf("unset field lost its default: %d", cfg.I2C.TimeoutMS)
	}
	if cfg.InputNames()["OPi"] != "OPi" || cfg.InputNames()["AUX"] != "Aux In" {
		t.Errorf("input names = %v", cfg.InputNames())
	}

	opts := cfg.EncoderOptions()
	if len(opts.Acceleration) != 1 || opts.Acceleration[0].Within != 40*time.Millisecond || opts.Acceleration[0].Multiplier != 3 {
		t.Errorf("acceleration = %+v", opts.Acceleration)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "encoder:\n  pin_c: GPIO4\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestConfigValidate_NamesField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad chip address", func(c *Config) { c.Chip.Address = 0x44 }, "chip.address"},
		{"no inputs", func(c *Config) { c.Inputs = nil }, "inputs"},
		{"duplicate input", func(c *Config) { c.Inputs[1].ID = "OPi" }, "inputs[1].id"},
		{"two inputs without status", func(c *Config) { c.Inputs[2].StatusPin = "" }, "inputs"},
		{"lines mode needs select pins", func(c *Config) { c.InputSelector.Mode = SelectorLines }, "inputs[0].select_pin"},
		{"unknown selector mode", func(c *Config) { c.InputSelector.Mode = "relay" }, "input_selector.mode"},
		{"bad steps per detent", func(c *Config) { c.Encoder.StepsPerDetent = 3 }, "encoder.steps_per_detent"},
		{"press windows overlap", func(c *Config) { c.Encoder.LongPressMinMS = 100 }, "encoder.long_press_min_ms"},
		{"bad accel rule", func(c *Config) {
			c.Encoder.Acceleration = []AccelerationRule{{WithinMS: 0, Multiplier: 2}}
		}, "encoder.acceleration[0]"},
		{"evdev without devices", func(c *Config) { c.Encoder.Backend = "evdev" }, "encoder.devices"},
		{"mqtt qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"mqtt port", func(c *Config) { c.MQTT.Port = 0 }, "mqtt.port"},
		{"state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"queue size", func(c *Config) { c.Control.QueueSize = 0 }, "control.queue_size"},
		{"mqtt wildcard topic", func(c *Config) { c.MQTT.MainTopic = "home/+/audio" }, "mqtt.main_topic"},
		{"display address", func(c *Config) {
			c.Display.Enabled = true
			c.Display.Address = 0x88
		}, "display.address"},
		{"slow debounce", func(c *Config) { c.Encoder.DebounceMS = 150 }, "encoder.debounce_ms"},
		{"stale save delay", func(c *Config) { c.State.SaveDelayMS = 60000 }, "state.save_delay_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", ce.Field, tt.field, err)
			}
		})
	}
}

func TestConfigValidate_DisabledSectionsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Enabled = false
	cfg.MQTT.Server = ""
	cfg.Encoder.Enabled = false
	cfg.Encoder.PinA = ""
	cfg.HTTP.Enabled = false
	cfg.HTTP.Addr = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	bus := "/dev/i2c-0"
	mqttOff := false
	port := 1884
	level := "debug"

	FlagOverrides{
		I2CBus:      &bus,
		MQTTEnabled: &mqttOff,
		MQTTPort:    &port,
		LogLevel:    &level,
	}.Apply(&cfg)

	if cfg.I2C.Bus != bus || cfg.MQTT.Enabled || cfg.MQTT.Port != port || cfg.Logging.Level != level {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Unset overrides leave the config alone.
	if cfg.HTTP.Addr != ":3001" || cfg.State.Path != DefaultConfig().State.Path {
		t.Errorf("unset override changed config")
	}
}
