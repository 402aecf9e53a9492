//go:build !linux

package main

import (
	"context"
	"errors"
)

func (e *Encoder) RunEvdev(ctx context.Context, devices []string, keyCode uint16) error {
	return errors.New("evdev encoder backend requires linux")
}
