package main

import (
	"errors"
	"fmt"
)

// BusReason classifies a failed I2C transfer.
type BusReason string

const (
	BusTimeout         BusReason = "timeout"
	BusNack            BusReason = "nack"
	BusArbitrationLost BusReason = "arbitration_lost"
	BusBadLength       BusReason = "bad_length"
	BusBusy            BusReason = "busy"
	BusClosed          BusReason = "closed"
	BusIO              BusReason = "io"
)

// BusError is returned by every Bus implementation when a transfer fails.
type BusError struct {
	Addr   uint16
	Op     string // "write" or "read"
	Reason BusReason
	Err    error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("i2c %s addr=0x%02x: %s: %v", e.Op, e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("i2c %s addr=0x%02x: %s", e.Op, e.Addr, e.Reason)
}

func (e *BusError) Unwrap() error { return e.Err }

// IoError reports a GPIO line or input-selector failure.
type IoError struct {
	Op   string
	Line string
	Err  error
}

func (e *IoError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Line, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ConfigError reports an invalid configuration value. Field is the YAML path.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a failure to load or save the state file.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProtocolDecodeError reports a remote message that could not be turned into an intent.
type ProtocolDecodeError struct {
	Topic   string
	Payload string
	Msg     string
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("decode %s %q: %s", e.Topic, e.Payload, e.Msg)
}

// errQueueFull is returned when the intent queue rejects a new intent.
var errQueueFull = errors.New("intent queue full")

// errUnknownInput is returned by the reducer for input ids that are not configured.
type errUnknownInput struct {
	id string
}

func (e errUnknownInput) Error() string { return fmt.Sprintf("unknown input %q", e.id) }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
