package main

import (
	"fmt"
	"time"
)

// ============================================================================
// PT2258 6-channel electronic volume controller
// ============================================================================
// The chip is write-only and takes single-byte commands. Attenuation per
// channel is set with two writes: a coarse step (10 dB units, 0..7) and a fine
// step (1 dB units, 0..9). A master stage with the same encoding sits in front
// of the channels, and one register holds the global mute bit.
// ============================================================================

const (
	pt2258Clear        = 0xC0
	pt2258Mute         = 0xF8
	pt2258MasterCoarse = 0xD0
	pt2258MasterFine   = 0xE0
)

type channelRegisters struct {
	coarse byte
	fine   byte
}

// pt2258Registers maps FL, FR, C, SW, RL, RR onto chip channels 1..6.
var pt2258Registers = [NumChannels]channelRegisters{
	{coarse: 0x80, fine: 0x90},
	{coarse: 0x40, fine: 0x50},
	{coarse: 0x00, fine: 0x10},
	{coarse: 0x20, fine: 0x30},
	{coarse: 0x60, fine: 0x70},
	{coarse: 0xA0, fine: 0xB0},
}

// AttenuationStep is the register encoding of one level.
type AttenuationStep struct {
	Coarse uint8 // 10 dB units
	Fine   uint8 // 1 dB units
}

// DB returns the attenuation in dB (positive number).
func (a AttenuationStep) DB() int { return int(a.Coarse)*10 + int(a.Fine) }

// attenuationTable maps level 0..MaxLevel onto register steps. Level MaxLevel
// is 0 dB, level 0 is -79 dB.
var attenuationTable = buildAttenuationTable()

func buildAttenuationTable() [MaxLevel + 1]AttenuationStep {
	var t [MaxLevel + 1]AttenuationStep
	for level := 0; level <= MaxLevel; level++ {
		att := MaxLevel - level
		t[level] = AttenuationStep{Coarse: uint8(att / 10), Fine: uint8(att % 10)}
	}
	return t
}

// validateAttenuationTable checks that every level has an encodable step and
// that attenuation decreases by exactly 1 dB per level. Run once at startup.
func validateAttenuationTable(t [MaxLevel + 1]AttenuationStep) error {
	for level, step := range t {
		if step.Coarse > 7 || step.Fine > 9 {
			return fmt.Errorf("attenuation table: level %d has out-of-range step %+v", level, step)
		}
		if step.DB() != MaxLevel-level {
			return fmt.Errorf("attenuation table: level %d is %d dB, want %d", level, step.DB(), MaxLevel-level)
		}
	}
	return nil
}

// muteStep is the attenuation every channel is forced to while muted.
var muteStep = attenuationTable[0]

// validChipAddress reports whether addr is one of the four 8-bit write
// addresses selectable with the CODE1/CODE2 pins.
func validChipAddress(addr uint16) bool {
	switch addr {
	case 0x80, 0x84, 0x88, 0x8C:
		return true
	}
	return false
}

// PT2258 drives the chip over a Bus. It is not safe for concurrent use; the
// control loop is its only caller.
type PT2258 struct {
	bus    Bus
	addr   uint16 // 7-bit
	settle time.Duration

	last   [NumChannels]AttenuationStep
	known  [NumChannels]bool
	master AttenuationStep
	hasMst bool
	muted  bool
}

// NewPT2258 takes the 8-bit write address as printed in the datasheet.
func NewPT2258(bus Bus, addr8 uint16, settle time.Duration) *PT2258 {
	return &PT2258{
		bus:    bus,
		addr:   addr8 >> 1,
		settle: settle,
	}
}

func (p *PT2258) write(b byte) error {
	return p.bus.Write(p.addr, []byte{b})
}

func (p *PT2258) writeStep(regs channelRegisters, step AttenuationStep) error {
	if err := p.write(regs.coarse | step.Coarse); err != nil {
		return err
	}
	return p.write(regs.fine | step.Fine)
}

// Init waits for the chip to power up and clears its registers.
func (p *PT2258) Init() error {
	if p.settle > 0 {
		time.Sleep(p.settle)
	}
	if err := p.write(pt2258Clear); err != nil {
		return fmt.Errorf("pt2258 clear: %w", err)
	}
	p.known = [NumChannels]bool{}
	p.hasMst = false
	return nil
}

// ApplyMaster sets the master stage.
func (p *PT2258) ApplyMaster(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("pt2258 master level %d out of range", level)
	}
	regs := channelRegisters{coarse: pt2258MasterCoarse, fine: pt2258MasterFine}
	step := attenuationTable[level]
	if err := p.writeStep(regs, step); err != nil {
		return fmt.Errorf("pt2258 master: %w", err)
	}
	p.master = step
	p.hasMst = true
	return nil
}

// Apply sets one channel to level. The coarse register is written first; if
// either write fails the channel's recorded step is left untouched.
func (p *PT2258) Apply(ch Channel, level int) error {
	if !ch.valid() {
		return fmt.Errorf("pt2258: invalid channel %d", int(ch))
	}
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("pt2258 %s level %d out of range", ch, level)
	}
	return p.applyStep(ch, attenuationTable[level])
}

// ApplyMute forces one channel to maximum attenuation.
func (p *PT2258) ApplyMute(ch Channel) error {
	if !ch.valid() {
		return fmt.Errorf("pt2258: invalid channel %d", int(ch))
	}
	return p.applyStep(ch, muteStep)
}

func (p *PT2258) applyStep(ch Channel, step AttenuationStep) error {
	if err := p.writeStep(pt2258Registers[ch], step); err != nil {
		return fmt.Errorf("pt2258 %s: %w", ch, err)
	}
	p.last[ch] = step
	p.known[ch] = true
	return nil
}

// SetMute sets or clears the global mute bit.
func (p *PT2258) SetMute(on bool) error {
	b := byte(pt2258Mute)
	if on {
		b |= 0x01
	}
	if err := p.write(b); err != nil {
		return fmt.Errorf("pt2258 mute=%v: %w", on, err)
	}
	p.muted = on
	return nil
}

// LastApplied returns the step most recently written to ch.
func (p *PT2258) LastApplied(ch Channel) (AttenuationStep, bool) {
	if !ch.valid() {
		return AttenuationStep{}, false
	}
	return p.last[ch], p.known[ch]
}

// LastMaster returns the step most recently written to the master stage.
func (p *PT2258) LastMaster() (AttenuationStep, bool) { return p.master, p.hasMst }

// Muted reports the last mute bit written.
func (p *PT2258) Muted() bool { return p.muted }
