package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Input selector
// ============================================================================
// Two wirings are supported:
//
//   lines: one select line per input, driven one-hot.
//   pulse: the DSP board exposes a single "next input" switch line plus one
//          status line per input (one input has no status line and is active
//          when none is high). Selection pulses the switch until the status
//          lines report the target.
//
// "virtual" keeps the selection in memory only (dry-run, boards without a
// selector).
// ============================================================================

const (
	SelectorLines   = "lines"
	SelectorPulse   = "pulse"
	SelectorVirtual = "virtual"
)

// InputSelector switches the analogue source. Select is idempotent.
type InputSelector interface {
	Select(id string) error
}

// InputDef is one configured input bound to its lines.
type InputDef struct {
	ID     string
	Name   string
	Select Line // lines mode; nil otherwise
	Status Line // may be nil
}

type GPIOInputSelector struct {
	mode        string
	inputs      []InputDef
	switchLine  Line
	pulse       time.Duration
	settle      time.Duration
	maxAttempts int
	logger      *slog.Logger

	// sleep is replaced in tests.
	sleep func(time.Duration)

	mu        sync.Mutex
	current   string
	selecting bool
}

type SelectorOptions struct {
	Mode        string
	Switch      Line
	Pulse       time.Duration
	Settle      time.Duration
	MaxAttempts int
}

func NewGPIOInputSelector(inputs []InputDef, opts SelectorOptions, logger *slog.Logger) *GPIOInputSelector {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultSelectMaxAttempts
	}
	return &GPIOInputSelector{
		mode:        opts.Mode,
		inputs:      inputs,
		switchLine:  opts.Switch,
		pulse:       opts.Pulse,
		settle:      opts.Settle,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		sleep:       time.Sleep,
	}
}

func (s *GPIOInputSelector) index(id string) int {
	for i, in := range s.inputs {
		if in.ID == id {
			return i
		}
	}
	return -1
}

// Current returns the input the selector believes is active ("" if unknown).
func (s *GPIOInputSelector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *GPIOInputSelector) setSelecting(v bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selecting = v
	return s.current
}

func (s *GPIOInputSelector) setCurrent(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *GPIOInputSelector) Select(id string) error {
	idx := s.index(id)
	if idx < 0 {
		return &IoError{Op: "select input", Err: errUnknownInput{id: id}}
	}

	cur := s.setSelecting(true)
	defer s.setSelecting(false)

	switch s.mode {
	case SelectorLines:
		if cur == id {
			return nil
		}
		// Release every other line before raising the target so two sources
		// are never routed at once.
		for i, in := range s.inputs {
			if i == idx || in.Select == nil {
				continue
			}
			if err := in.Select.Set(false); err != nil {
				return err
			}
		}
		if target := s.inputs[idx].Select; target != nil {
			if err := target.Set(true); err != nil {
				return err
			}
		}
		s.setCurrent(id)
		return nil

	case SelectorPulse:
		return s.selectByPulse(id)

	default:
		s.setCurrent(id)
		return nil
	}
}

func (s *GPIOInputSelector) selectByPulse(id string) error {
	for attempt := 0; ; attempt++ {
		observed := s.decodeStatus()
		if observed == id {
			s.setCurrent(id)
			if attempt > 0 {
				s.logger.Debug("input selected", "input", id, "pulses", attempt)
			}
			return nil
		}
		if attempt >= s.maxAttempts {
			s.setCurrent(observed)
			return &IoError{
				Op:   "select input",
				Line: s.switchLine.Name(),
				Err:  fmt.Errorf("%s not reached after %d pulses (status reports %q)", id, attempt, observed),
			}
		}
		if err := s.switchLine.Set(true); err != nil {
			return err
		}
		s.sleep(s.pulse)
		if err := s.switchLine.Set(false); err != nil {
			return err
		}
		s.sleep(s.settle)
	}
}

// decodeStatus maps the status lines onto an input id: exactly one high line
// names its input, no high line names the input without a status line, and
// anything else is ambiguous ("").
func (s *GPIOInputSelector) decodeStatus() string {
	high := ""
	count := 0
	fallback := ""
	for _, in := range s.inputs {
		if in.Status == nil {
			fallback = in.ID
			continue
		}
		if in.Status.Read() {
			high = in.ID
			count++
		}
	}
	switch count {
	case 0:
		return fallback
	case 1:
		return high
	default:
		return ""
	}
}

func (s *GPIOInputSelector) hasStatusLines() bool {
	for _, in := range s.inputs {
		if in.Status != nil {
			return true
		}
	}
	return false
}

// observe decodes the status lines and reports a change that the selector did
// not cause itself.
func (s *GPIOInputSelector) observe() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selecting {
		return "", false
	}
	id := s.decodeStatus()
	if id == "" || id == s.current {
		return "", false
	}
	s.current = id
	return id, true
}

// Watch follows the status lines and reports external input changes until ctx
// is canceled. It returns immediately when no status lines are wired.
func (s *GPIOInputSelector) Watch(ctx context.Context, onChange func(id string)) error {
	if !s.hasStatusLines() {
		return nil
	}

	// Seed the baseline only; the restored state is applied at startup and
	// must not be overwritten by whatever the board was left on.
	s.observe()

	var wg sync.WaitGroup
	for _, in := range s.inputs {
		if in.Status == nil {
			continue
		}
		wg.Add(1)
		go func(l Line) {
			defer wg.Done()
			for ctx.Err() == nil {
				if !l.WaitForEdge(100 * time.Millisecond) {
					continue
				}
				if id, ok := s.observe(); ok {
					s.logger.Info("input changed externally", "input", id)
					onChange(id)
				}
			}
		}(in.Status)
	}
	wg.Wait()
	return nil
}
