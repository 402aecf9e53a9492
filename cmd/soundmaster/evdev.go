//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func (ev inputEvent) time() time.Time {
	return time.Unix(ev.Sec, ev.Usec*1000)
}

// handleInputEvent translates one evdev event. Relative axis motion is a
// detent count; the configured key drives the button classifier.
func (e *Encoder) handleInputEvent(ev inputEvent, keyCode uint16) {
	at := ev.time()
	switch ev.Type {
	case EV_REL:
		if ev.Code != REL_X && ev.Code != REL_DIAL && ev.Code != REL_WHEEL {
			return
		}
		dir := 1
		n := int(ev.Value)
		if n < 0 {
			dir, n = -1, -n
		}
		for i := 0; i < n; i++ {
			e.HandleDetent(dir, at)
		}

	case EV_KEY:
		if ev.Code != keyCode {
			return
		}
		switch ev.Value {
		case evValuePress:
			e.HandleButton(true, at)
		case evValueRelease:
			e.HandleButton(false, at)
		}
	}
}

// RunEvdev reads rotary-encoder and gpio-keys input devices with epoll until
// ctx is canceled.
//
// The kernel drivers do the quadrature decoding and debouncing, so only the
// button classification and acceleration happen here.
func (e *Encoder) RunEvdev(ctx context.Context, devices []string, keyCode uint16) error {
	if len(devices) == 0 {
		return fmt.Errorf("no input devices provided")
	}

	files := make([]*os.File, 0, len(devices))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			return &IoError{Op: "open input device", Line: dev, Err: err}
		}
		files = append(files, f)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	fdToFile := make(map[int]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		fdToFile[fd] = f
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	e.logger.Info("encoder reading input devices", "devices", devices)

	const maxEvents = 16
	epollEvents := make([]unix.EpollEvent, maxEvents)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Bounded wait so cancellation is noticed.
		n, err := unix.EpollWait(epfd, epollEvents, 200)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f := fdToFile[fd]

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return &IoError{Op: "input device hangup", Line: f.Name(), Err: fmt.Errorf("fd=%d", fd)}
			}

			if _, err := f.Read(buf); err != nil {
				return &IoError{Op: "read input device", Line: f.Name(), Err: err}
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				continue
			}
			e.handleInputEvent(ev, keyCode)
		}
	}
}
