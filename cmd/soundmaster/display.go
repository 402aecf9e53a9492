package main

import (
	"context"
	"image"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// screen is a text-only output device.
type screen interface {
	Show(text string) error
	Clear() error
	Halt() error
}

// StatusDisplay renders snapshots on a small screen. It runs on its own
// goroutine and keeps only the newest snapshot, so a slow I2C display never
// holds up the control loop.
type StatusDisplay struct {
	screen     screen
	names      map[string]string
	clearAfter time.Duration
	mailbox    chan Snapshot
	logger     *slog.Logger
}

func NewStatusDisplay(s screen, names map[string]string, clearAfter time.Duration, logger *slog.Logger) *StatusDisplay {
	return &StatusDisplay{
		screen:     s,
		names:      names,
		clearAfter: clearAfter,
		mailbox:    make(chan Snapshot, 1),
		logger:     logger,
	}
}

// PublishSnapshot implements SnapshotSink (latest wins).
func (d *StatusDisplay) PublishSnapshot(s Snapshot) {
	for {
		select {
		case d.mailbox <- s:
			return
		default:
		}
		select {
		case <-d.mailbox:
		default:
		}
	}
}

// Run draws snapshots until ctx is canceled, then blanks the screen.
func (d *StatusDisplay) Run(ctx context.Context) error {
	var prev *Snapshot
	var clearTimer *time.Timer
	var clearCh <-chan time.Time

	stopClear := func() {
		if clearTimer != nil {
			clearTimer.Stop()
		}
		clearTimer = nil
		clearCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			stopClear()
			if err := d.screen.Clear(); err != nil {
				d.logger.Warn("display clear failed", "error", err)
			}
			return d.screen.Halt()

		case s := <-d.mailbox:
			text, persistent, ok := renderStatus(prev, s, d.names)
			cur := s
			prev = &cur
			if !ok {
				continue
			}
			if err := d.screen.Show(text); err != nil {
				d.logger.Warn("display write failed", "error", err, "text", text)
				continue
			}
			stopClear()
			if !persistent && d.clearAfter > 0 {
				clearTimer = time.NewTimer(d.clearAfter)
				clearCh = clearTimer.C
			}

		case <-clearCh:
			stopClear()
			if err := d.screen.Clear(); err != nil {
				d.logger.Warn("display clear failed", "error", err)
			}
		}
	}
}

func volumeText(level int) string {
	switch level {
	case 0:
		return "Min"
	case MaxLevel:
		return "Max"
	default:
		return strconv.Itoa(level)
	}
}

// renderStatus picks what to show for cur given the previous snapshot.
// persistent texts stay until replaced; the rest are cleared after a while.
func renderStatus(prev *Snapshot, cur Snapshot, names map[string]string) (text string, persistent bool, ok bool) {
	if cur.Degraded {
		if prev == nil || !prev.Degraded {
			return "HW FAULT", true, true
		}
		return "", false, false
	}
	recovered := prev != nil && prev.Degraded

	if prev == nil || recovered {
		if cur.Muted {
			return "Muted", true, true
		}
		return volumeText(cur.Level), false, true
	}

	switch {
	case cur.Muted && !prev.Muted:
		return "Muted", true, true
	case !cur.Muted && prev.Muted:
		return volumeText(cur.Level), false, true
	case cur.ActiveInput != prev.ActiveInput:
		name := names[cur.ActiveInput]
		if name == "" {
			name = cur.ActiveInput
		}
		return name, cur.Muted, true
	case cur.Muted:
		return "", false, false
	case cur.Level != prev.Level || cur.ChannelLevels != prev.ChannelLevels:
		return volumeText(cur.Level), false, true
	}
	return "", false, false
}

// ============================================================================
// SSD1306 over I2C
// ============================================================================

// ssd1306Addr is the address the periph driver always talks to.
const ssd1306Addr = 0x3C

// addrBus rewrites the driver's fixed address to the configured one.
type addrBus struct {
	i2c.Bus
	addr uint16
}

func (b *addrBus) Tx(addr uint16, w, r []byte) error {
	if addr == ssd1306Addr {
		addr = b.addr
	}
	return b.Bus.Tx(addr, w, r)
}

type oledScreen struct {
	dev  *ssd1306.Dev
	img  *image1bit.VerticalLSB
	face font.Face
}

func newOLEDScreen(bus i2c.Bus, cfg DisplayConfig) (*oledScreen, error) {
	dev, err := ssd1306.NewI2C(&addrBus{Bus: bus, addr: cfg.Address}, &ssd1306.Opts{
		W:       cfg.Width,
		H:       cfg.Height,
		Rotated: cfg.Rotated,
	})
	if err != nil {
		return nil, &IoError{Op: "ssd1306 init", Err: err}
	}
	return &oledScreen{
		dev:  dev,
		img:  image1bit.NewVerticalLSB(dev.Bounds()),
		face: basicfont.Face7x13,
	}, nil
}

func (s *oledScreen) blank() {
	for i := range s.img.Pix {
		s.img.Pix[i] = 0
	}
}

// Show draws text centered on the screen.
func (s *oledScreen) Show(text string) error {
	s.blank()

	b := s.img.Bounds()
	d := font.Drawer{Dst: s.img, Src: image.NewUniform(image1bit.On), Face: s.face}
	m := s.face.Metrics()

	x := (b.Dx() - d.MeasureString(text).Ceil()) / 2
	if x < 0 {
		x = 0
	}
	y := (b.Dy()-(m.Ascent+m.Descent).Ceil())/2 + m.Ascent.Ceil()
	d.Dot = fixed.P(b.Min.X+x, b.Min.Y+y)
	d.DrawString(text)

	return s.dev.Draw(b, s.img, image.Point{})
}

func (s *oledScreen) Clear() error {
	s.blank()
	return s.dev.Draw(s.img.Bounds(), s.img, image.Point{})
}

func (s *oledScreen) Halt() error { return s.dev.Halt() }
