package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line is a single GPIO line as the encoder and input selector see it.
type Line interface {
	Name() string
	Read() bool
	Set(high bool) error
	// WaitForEdge blocks until an edge or timeout; it reports whether an edge occurred.
	WaitForEdge(timeout time.Duration) bool
}

var hostInitOnce = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// initHost loads the periph host drivers (sysfs/gpiochip, i2c-dev).
func initHost() error {
	if err := hostInitOnce(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	return nil
}

func parsePull(s string) (gpio.Pull, error) {
	switch strings.ToLower(s) {
	case "", "up":
		return gpio.PullUp, nil
	case "down":
		return gpio.PullDown, nil
	case "none", "float":
		return gpio.Float, nil
	default:
		return gpio.PullNoChange, fmt.Errorf("unknown pull %q (want up, down or none)", s)
	}
}

type periphLine struct {
	pin gpio.PinIO
}

func lookupPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, &IoError{Op: "gpio lookup", Line: name, Err: fmt.Errorf("no such pin")}
	}
	return p, nil
}

// openInputLine configures name as an input with both-edge detection.
func openInputLine(name string, pull gpio.Pull) (*periphLine, error) {
	p, err := lookupPin(name)
	if err != nil {
		return nil, err
	}
	if err := p.In(pull, gpio.BothEdges); err != nil {
		return nil, &IoError{Op: "gpio in", Line: name, Err: err}
	}
	return &periphLine{pin: p}, nil
}

// openOutputLine configures name as an output driven low.
func openOutputLine(name string) (*periphLine, error) {
	p, err := lookupPin(name)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, &IoError{Op: "gpio out", Line: name, Err: err}
	}
	return &periphLine{pin: p}, nil
}

func (l *periphLine) Name() string { return l.pin.Name() }

func (l *periphLine) Read() bool { return l.pin.Read() == gpio.High }

func (l *periphLine) Set(high bool) error {
	if err := l.pin.Out(gpio.Level(high)); err != nil {
		return &IoError{Op: "gpio set", Line: l.pin.Name(), Err: err}
	}
	return nil
}

func (l *periphLine) WaitForEdge(timeout time.Duration) bool {
	return l.pin.WaitForEdge(timeout)
}

func (l *periphLine) Halt() error { return l.pin.Halt() }
