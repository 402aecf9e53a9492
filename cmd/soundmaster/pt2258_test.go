package main

import (
	"errors"
	"sync"
	"testing"
)

// fakeBus records every write. failAfter makes the n-th and later writes fail
// (0 disables failures).
type fakeBus struct {
	mu        sync.Mutex
	writes    []byte
	addrs     []uint16
	failAfter int
	failing   bool
	err       error
}

func (b *fakeBus) Write(addr uint16, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing || (b.failAfter > 0 && len(b.writes)+1 >= b.failAfter) {
		if b.err != nil {
			return b.err
		}
		return &BusError{Addr: addr, Op: "write", Reason: BusNack}
	}
	b.addrs = append(b.addrs, addr)
	b.writes = append(b.writes, data...)
	return nil
}

func (b *fakeBus) Read(addr uint16, reg []byte, n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func (b *fakeBus) written() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.writes...)
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	b.writes = nil
	b.addrs = nil
	b.mu.Unlock()
}

func TestAttenuationTable_Valid(t *testing.T) {
	if err := validateAttenuationTable(attenuationTable); err != nil {
		t.Fatalf("built-in table invalid: %v", err)
	}
	if got := attenuationTable[MaxLevel]; got != (AttenuationStep{}) {
		t.Errorf("max level step = %+v, want 0 dB", got)
	}
	if got := attenuationTable[0]; got.Coarse != 7 || got.Fine != 9 {
		t.Errorf("level 0 step = %+v, want 7/9", got)
	}
	if got := attenuationTable[42]; got.Coarse != 3 || got.Fine != 7 {
		t.Errorf("level 42 step = %+v, want 3/7 (-37 dB)", got)
	}
}

func TestAttenuationTable_RejectsBadEntries(t *testing.T) {
	bad := attenuationTable
	bad[10] = AttenuationStep{Coarse: 8, Fine: 0}
	if err := validateAttenuationTable(bad); err == nil {
		t.Fatalf("expected error for out-of-range coarse step")
	}

	bad = attenuationTable
	bad[20] = bad[21]
	if err := validateAttenuationTable(bad); err == nil {
		t.Fatalf("expected error for non-monotonic table")
	}
}

func TestPT2258_AddressIsShifted(t *testing.T) {
	bus := &fakeBus{}
	chip := NewPT2258(bus, 0x88, 0)
	if err := chip.SetMute(false); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if bus.addrs[0] != 0x44 {
		t.Fatalf("addr = 0x%02x, want 0x44", bus.addrs[0])
	}
}

func TestPT2258_ApplyWritesCoarseThenFine(t *testing.T) {
	tests := []struct {
		ch    Channel
		level int
		want  []byte
	}{
		{ChannelFL, 42, []byte{0x83, 0x97}},
		{ChannelFR, MaxLevel, []byte{0x40, 0x50}},
		{ChannelC, 0, []byte{0x07, 0x19}},
		{ChannelSW, 70, []byte{0x20, 0x39}},
		{ChannelRL, 59, []byte{0x62, 0x70}},
		{ChannelRR, 1, []byte{0xA7, 0xB8}},
	}
	for _, tt := range tests {
		t.Run(tt.ch.String(), func(t *testing.T) {
			bus := &fakeBus{}
			chip := NewPT2258(bus, 0x88, 0)
			if err := chip.Apply(tt.ch, tt.level); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			got := bus.written()
			if string(got) != string(tt.want) {
				t.Fatalf("writes = % x, want % x", got, tt.want)
			}
			step, known := chip.LastApplied(tt.ch)
			if !known || step != attenuationTable[tt.level] {
				t.Errorf("LastApplied = %+v known=%v", step, known)
			}
		})
	}
}

func TestPT2258_MasterMuteAndClear(t *testing.T) {
	bus := &fakeBus{}
	chip := NewPT2258(bus, 0x88, 0)

	if err := chip.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := chip.ApplyMaster(MaxLevel); err != nil {
		t.Fatalf("ApplyMaster: %v", err)
	}
	if err := chip.SetMute(true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if err := chip.SetMute(false); err != nil {
		t.Fatalf("SetMute: %v", err)
	}

	want := []byte{0xC0, 0xD0, 0xE0, 0xF9, 0xF8}
	if got := bus.written(); string(got) != string(want) {
		t.Fatalf("writes = % x, want % x", got, want)
	}
	if chip.Muted() {
		t.Errorf("Muted() = true after unmute")
	}
}

func TestPT2258_ApplyMuteIsMaxAttenuation(t *testing.T) {
	bus := &fakeBus{}
	chip := NewPT2258(bus, 0x88, 0)
	for _, ch := range allChannels {
		if err := chip.ApplyMute(ch); err != nil {
			t.Fatalf("ApplyMute(%s): %v", ch, err)
		}
		step, _ := chip.LastApplied(ch)
		if step.DB() != MaxLevel {
			t.Errorf("%s attenuation = %d dB, want %d", ch, step.DB(), MaxLevel)
		}
	}
}

func TestPT2258_FailedWriteKeepsLastApplied(t *testing.T) {
	bus := &fakeBus{}
	chip := NewPT2258(bus, 0x88, 0)
	if err := chip.Apply(ChannelFL, 30); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// The fine write of the next apply fails.
	bus.failAfter = len(bus.written()) + 2
	err := chip.Apply(ChannelFL, 60)

	var be *BusError
	if !errors.As(err, &be) || be.Reason != BusNack {
		t.Fatalf("err = %v, want BusError(nack)", err)
	}
	step, _ := chip.LastApplied(ChannelFL)
	if step != attenuationTable[30] {
		t.Errorf("LastApplied = %+v, want level 30 step", step)
	}
}

func TestPT2258_RejectsOutOfRange(t *testing.T) {
	chip := NewPT2258(&fakeBus{}, 0x88, 0)
	if err := chip.Apply(ChannelFL, MaxLevel+1); err == nil {
		t.Errorf("expected error for level above max")
	}
	if err := chip.Apply(Channel(9), 10); err == nil {
		t.Errorf("expected error for invalid channel")
	}
	if err := chip.ApplyMaster(-1); err == nil {
		t.Errorf("expected error for negative master level")
	}
}

func TestValidChipAddress(t *testing.T) {
	for _, a := range []uint16{0x80, 0x84, 0x88, 0x8C} {
		if !validChipAddress(a) {
			t.Errorf("0x%02x should be valid", a)
		}
	}
	for _, a := range []uint16{0x00, 0x44, 0x8A, 0x90} {
		if validChipAddress(a) {
			t.Errorf("0x%02x should be invalid", a)
		}
	}
}
