package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// Bus is the byte-level I2C transport used by the chip driver. Addresses are
// 7-bit. Implementations never retry; the caller decides what a failure means.
type Bus interface {
	Write(addr uint16, data []byte) error
	Read(addr uint16, reg []byte, n int) ([]byte, error)
	Close() error
}

// ============================================================================
// periph.io backed bus
// ============================================================================

type periphBus struct {
	bus  i2c.BusCloser
	name string
}

// openI2CBus opens a bus by periph name ("" picks the first one, "1" or
// "/dev/i2c-1" both work). host.Init must have run first.
func openI2CBus(name string) (*periphBus, error) {
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, &BusError{Op: "open", Reason: BusIO, Err: err}
	}
	return &periphBus{bus: b, name: b.String()}, nil
}

// I2C exposes the raw periph bus so other devices on the same wire (the
// status display) can share it. periph serializes transfers internally.
func (b *periphBus) I2C() i2c.Bus { return b.bus }

func (b *periphBus) Write(addr uint16, data []byte) error {
	if len(data) == 0 {
		return &BusError{Addr: addr, Op: "write", Reason: BusBadLength}
	}
	if err := b.bus.Tx(addr, data, nil); err != nil {
		return classifyBusError(addr, "write", err)
	}
	return nil
}

func (b *periphBus) Read(addr uint16, reg []byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, &BusError{Addr: addr, Op: "read", Reason: BusBadLength}
	}
	buf := make([]byte, n)
	if err := b.bus.Tx(addr, reg, buf); err != nil {
		return nil, classifyBusError(addr, "read", err)
	}
	return buf, nil
}

func (b *periphBus) Close() error {
	return b.bus.Close()
}

// classifyBusError maps a driver error onto a BusReason. periph's sysfs driver
// formats the errno into its message, so both the wrapped errno and the text
// are inspected.
func classifyBusError(addr uint16, op string, err error) *BusError {
	reason := BusIO
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, syscall.ENXIO),
		strings.Contains(msg, "remote i/o error"), strings.Contains(msg, "no such device or address"):
		reason = BusNack
	case errors.Is(err, syscall.ETIMEDOUT), strings.Contains(msg, "timed out"):
		reason = BusTimeout
	case errors.Is(err, syscall.EAGAIN), strings.Contains(msg, "resource temporarily unavailable"):
		reason = BusArbitrationLost
	case errors.Is(err, syscall.EBADF), strings.Contains(msg, "file already closed"):
		reason = BusClosed
	}
	return &BusError{Addr: addr, Op: op, Reason: reason, Err: err}
}

// ============================================================================
// Timeout wrapper
// ============================================================================

// timedBus bounds every transfer of the wrapped bus. A transfer that overruns
// is reported as BusTimeout; it keeps the bus token until the driver finally
// returns, so transfers issued in the meantime fail fast with BusBusy instead
// of piling up behind a wedged kernel call.
type timedBus struct {
	inner   Bus
	timeout time.Duration
	token   chan struct{}
}

func newTimedBus(inner Bus, timeout time.Duration) *timedBus {
	return &timedBus{
		inner:   inner,
		timeout: timeout,
		token:   make(chan struct{}, 1),
	}
}

func (b *timedBus) do(addr uint16, op string, fn func() error) error {
	select {
	case b.token <- struct{}{}:
	default:
		return &BusError{Addr: addr, Op: op, Reason: BusBusy}
	}

	done := make(chan error, 1)
	go func() {
		err := fn()
		<-b.token
		done <- err
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &BusError{Addr: addr, Op: op, Reason: BusTimeout}
	}
}

func (b *timedBus) Write(addr uint16, data []byte) error {
	if len(data) == 0 {
		return &BusError{Addr: addr, Op: "write", Reason: BusBadLength}
	}
	buf := append([]byte(nil), data...)
	return b.do(addr, "write", func() error {
		return b.inner.Write(addr, buf)
	})
}

func (b *timedBus) Read(addr uint16, reg []byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, &BusError{Addr: addr, Op: "read", Reason: BusBadLength}
	}
	var out []byte
	err := b.do(addr, "read", func() error {
		got, err := b.inner.Read(addr, reg, n)
		if err != nil {
			return err
		}
		if len(got) != n {
			return &BusError{Addr: addr, Op: "read", Reason: BusBadLength,
				Err: fmt.Errorf("got %d bytes, want %d", len(got), n)}
		}
		out = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *timedBus) Close() error {
	return b.inner.Close()
}

// ============================================================================
// Dry-run bus
// ============================================================================

// loggingBus accepts every write and logs it. Used by --dry-run on machines
// without the chip attached.
type loggingBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newLoggingBus(logger *slog.Logger) *loggingBus {
	return &loggingBus{logger: logger}
}

func (b *loggingBus) Write(addr uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &BusError{Addr: addr, Op: "write", Reason: BusClosed}
	}
	if len(data) == 0 {
		return &BusError{Addr: addr, Op: "write", Reason: BusBadLength}
	}
	b.logger.Debug("i2c write", "addr", fmt.Sprintf("0x%02x", addr), "data", fmt.Sprintf("% x", data))
	return nil
}

func (b *loggingBus) Read(addr uint16, reg []byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &BusError{Addr: addr, Op: "read", Reason: BusClosed}
	}
	if n <= 0 {
		return nil, &BusError{Addr: addr, Op: "read", Reason: BusBadLength}
	}
	return make([]byte, n), nil
}

func (b *loggingBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
