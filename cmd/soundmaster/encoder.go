package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Quadrature decoding
// ============================================================================

// quadTransitions is indexed by prev<<2 | cur where a state is A<<1 | B.
// Clockwise is 11 -> 01 -> 00 -> 10 -> 11.
var quadTransitions = [16]int8{
	0, -1, +1, 0,
	+1, 0, 0, -1,
	-1, 0, 0, +1,
	0, +1, -1, 0,
}

// quadRest is the detent position with pull-ups (both lines high).
const quadRest = 0b11

// quadratureDecoder turns raw A/B levels into detents. Two-bit jumps are
// impossible for a real encoder, so they are treated as noise and reset the
// partial count.
type quadratureDecoder struct {
	stepsPerDetent int
	state          uint8
	acc            int
	primed         bool
}

func newQuadratureDecoder(stepsPerDetent int) *quadratureDecoder {
	if stepsPerDetent <= 0 {
		stepsPerDetent = defaultStepsPerDetent
	}
	return &quadratureDecoder{stepsPerDetent: stepsPerDetent}
}

func encodeAB(a, b bool) uint8 {
	var s uint8
	if a {
		s |= 0b10
	}
	if b {
		s |= 0b01
	}
	return s
}

// next feeds the current A/B levels and returns +1, -1 or 0.
func (d *quadratureDecoder) next(a, b bool) int {
	cur := encodeAB(a, b)
	if !d.primed {
		d.state = cur
		d.primed = true
		return 0
	}
	if cur == d.state {
		return 0
	}
	if cur^d.state == 0b11 {
		d.state = cur
		d.acc = 0
		return 0
	}

	d.acc += int(quadTransitions[d.state<<2|cur])
	d.state = cur

	switch {
	case d.acc >= d.stepsPerDetent:
		d.acc = 0
		return +1
	case d.acc <= -d.stepsPerDetent:
		d.acc = 0
		return -1
	}
	if cur == quadRest {
		// Back at rest without a full cycle: the knob wobbled.
		d.acc = 0
	}
	return 0
}

// ============================================================================
// Debounce and button classification
// ============================================================================

// debouncer drops edges that arrive within deadTime of the last accepted one.
type debouncer struct {
	deadTime time.Duration
	last     time.Time
	seen     bool
}

func (d *debouncer) accept(at time.Time) bool {
	if d.seen && at.Sub(d.last) < d.deadTime {
		return false
	}
	d.last = at
	d.seen = true
	return true
}

// buttonClassifier turns press/release edges into intents on release.
type buttonClassifier struct {
	shortMax time.Duration
	longMin  time.Duration
	longMax  time.Duration

	pressed   bool
	pressedAt time.Time
}

func (c *buttonClassifier) edge(pressed bool, at time.Time) (Intent, bool) {
	if pressed == c.pressed {
		return nil, false
	}
	c.pressed = pressed
	if pressed {
		c.pressedAt = at
		return nil, false
	}
	if c.pressedAt.IsZero() {
		return nil, false
	}

	held := at.Sub(c.pressedAt)
	c.pressedAt = time.Time{}
	switch {
	case held < c.shortMax:
		return ToggleMute{}, true
	case held >= c.longMin && held < c.longMax:
		return CycleInput{}, true
	default:
		return nil, false
	}
}

// ============================================================================
// Encoder
// ============================================================================

// IntentSink is implemented by *IntentQueue.
type IntentSink interface {
	Offer(IntentEvent) bool
}

// EncoderLine identifies the three encoder inputs for debouncing.
type EncoderLine int

const (
	LineA EncoderLine = iota
	LineB
	LineButton
	numEncoderLines
)

// EncoderOptions tunes edge handling.
type EncoderOptions struct {
	Debounce       time.Duration
	StepsPerDetent int
	ShortPressMax  time.Duration
	LongPressMin   time.Duration
	LongPressMax   time.Duration
	Acceleration   []AccelRule
}

// Encoder converts edges into intents and offers them to the queue without
// blocking. Edge handlers may run on several goroutines.
type Encoder struct {
	sink   IntentSink
	logger *slog.Logger

	mu       sync.Mutex
	decoder  *quadratureDecoder
	debounce [numEncoderLines]debouncer
	button   buttonClassifier
	accel    *accelerator
}

func NewEncoder(sink IntentSink, opts EncoderOptions, logger *slog.Logger) *Encoder {
	e := &Encoder{
		sink:    sink,
		logger:  logger,
		decoder: newQuadratureDecoder(opts.StepsPerDetent),
		button: buttonClassifier{
			shortMax: opts.ShortPressMax,
			longMin:  opts.LongPressMin,
			longMax:  opts.LongPressMax,
		},
		accel: newAccelerator(opts.Acceleration),
	}
	for i := range e.debounce {
		e.debounce[i].deadTime = opts.Debounce
	}
	return e
}

// HandleRotation is called on an edge of line A or B with the current levels
// of both lines.
func (e *Encoder) HandleRotation(line EncoderLine, a, b bool, at time.Time) {
	e.mu.Lock()
	if !e.debounce[line].accept(at) {
		e.mu.Unlock()
		return
	}
	dir := e.decoder.next(a, b)
	steps := 0
	if dir != 0 {
		steps = e.accel.step(dir, at)
	}
	e.mu.Unlock()

	if steps != 0 {
		e.offer(VolumeDelta{Steps: steps}, at)
	}
}

// HandleDetent is used by backends that report whole detents (evdev).
func (e *Encoder) HandleDetent(direction int, at time.Time) {
	if direction == 0 {
		return
	}
	e.mu.Lock()
	steps := e.accel.step(direction, at)
	e.mu.Unlock()
	e.offer(VolumeDelta{Steps: steps}, at)
}

// HandleButton is called on a button edge. pressed is the logical state.
func (e *Encoder) HandleButton(pressed bool, at time.Time) {
	e.mu.Lock()
	if !e.debounce[LineButton].accept(at) {
		e.mu.Unlock()
		return
	}
	in, ok := e.button.edge(pressed, at)
	e.mu.Unlock()

	if ok {
		e.offer(in, at)
	}
}

func (e *Encoder) offer(in Intent, at time.Time) {
	e.sink.Offer(IntentEvent{Intent: in, Source: SourceEncoder, At: at})
}

// GPIOEncoderLines are the periph lines of a directly wired encoder.
type GPIOEncoderLines struct {
	A, B, Button    Line
	ButtonActiveLow bool
}

// RunGPIO watches the encoder lines until ctx is canceled. Each line gets a
// goroutine blocked in WaitForEdge.
func (e *Encoder) RunGPIO(ctx context.Context, lines GPIOEncoderLines) error {
	var wg sync.WaitGroup

	watch := func(l Line, onEdge func(at time.Time)) {
		defer wg.Done()
		for ctx.Err() == nil {
			if l.WaitForEdge(100 * time.Millisecond) {
				onEdge(time.Now())
			}
		}
	}

	// Prime the decoder with the resting position.
	e.mu.Lock()
	e.decoder.next(lines.A.Read(), lines.B.Read())
	e.mu.Unlock()

	wg.Add(2)
	go watch(lines.A, func(at time.Time) {
		e.HandleRotation(LineA, lines.A.Read(), lines.B.Read(), at)
	})
	go watch(lines.B, func(at time.Time) {
		e.HandleRotation(LineB, lines.A.Read(), lines.B.Read(), at)
	})
	if lines.Button != nil {
		wg.Add(1)
		go watch(lines.Button, func(at time.Time) {
			level := lines.Button.Read()
			e.HandleButton(level != lines.ButtonActiveLow, at)
		})
	}

	e.logger.Info("encoder watching gpio lines", "a", lines.A.Name(), "b", lines.B.Name())
	wg.Wait()
	return nil
}
