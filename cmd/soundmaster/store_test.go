package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path, testInputs)

	want := SystemState{
		Level:         55,
		ChannelLevels: [NumChannels]int{55, 55, 50, 60, 45, 55},
		Muted:         false,
		ActiveInput:   "Opt2",
		Revision:      17,
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Level != want.Level || got.ChannelLevels != want.ChannelLevels ||
		got.Muted != want.Muted || got.ActiveInput != want.ActiveInput || got.Revision != want.Revision {
		t.Fatalf("loaded %+v, want %+v", got, want)
	}
	if got.UpdatedAt.IsZero() {
		t.Errorf("UpdatedAt should come from saved_at")
	}
	if got.Degraded || got.AppliedRevision != 0 {
		t.Errorf("runtime flags must not be restored: %+v", got)
	}
}

func TestFileStore_LoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed", `{"version": 1, "master_volume": `, "decode"},
		{"wrong version", `{"version": 9, "master_volume": 10, "active_input": "OPi"}`, "unsupported version"},
		{"level out of range", `{"version": 1, "master_volume": 80, "active_input": "OPi"}`, "master_volume"},
		{"channel out of range", `{"version": 1, "master_volume": 10, "channel_volumes": [1,2,3,4,5,-1], "active_input": "OPi"}`, "channel_volumes[5]"},
		{"unknown input", `{"version": 1, "master_volume": 10, "active_input": "HDMI"}`, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			store := NewFileStore(path, testInputs)

			st, err := loadOrDefault(store, testInputs)
			var pe *PersistenceError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *PersistenceError", err)
			}
			if pe.Op != "load" || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
			}
			if st != DefaultState(testInputs) {
				t.Errorf("state = %+v, want defaults", st)
			}
		})
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), testInputs)
	st, err := loadOrDefault(store, testInputs)
	if !isNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if !st.Muted || st.ActiveInput != "OPi" || st.Level != 0 {
		t.Fatalf("default state = %+v", st)
	}
}

// countingSaver records every saved state.
type countingSaver struct {
	mu    sync.Mutex
	saved []SystemState
	err   error
}

func (c *countingSaver) Save(st SystemState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.saved = append(c.saved, st)
	return nil
}

func (c *countingSaver) states() []SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SystemState(nil), c.saved...)
}

func TestPersister_CoalescesBurst(t *testing.T) {
	saver := &countingSaver{}
	p := NewPersister(saver, 30*time.Millisecond, slog.Default())

	for rev := uint64(1); rev <= 5; rev++ {
		p.Schedule(SystemState{Level: int(rev), Revision: rev})
	}

	waitUntil(t, time.Second, func() bool { return len(saver.states()) == 1 }, "burst was not saved")
	time.Sleep(60 * time.Millisecond)

	saved := saver.states()
	if len(saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(saved))
	}
	if saved[0].Revision != 5 {
		t.Fatalf("saved revision %d, want newest (5)", saved[0].Revision)
	}
	if p.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", p.Saves())
	}
}

func TestPersister_FlushWritesPending(t *testing.T) {
	saver := &countingSaver{}
	p := NewPersister(saver, time.Hour, slog.Default())

	p.Schedule(SystemState{Revision: 3})
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if saved := saver.states(); len(saved) != 1 || saved[0].Revision != 3 {
		t.Fatalf("saved = %+v", saved)
	}

	// Nothing pending: no extra write.
	if err := p.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if n := len(saver.states()); n != 1 {
		t.Fatalf("saves = %d after empty flush", n)
	}
}

func TestPersister_ImmediateWithoutDelay(t *testing.T) {
	saver := &countingSaver{}
	p := NewPersister(saver, 0, slog.Default())
	p.Schedule(SystemState{Revision: 1})
	p.Schedule(SystemState{Revision: 2})
	if n := len(saver.states()); n != 2 {
		t.Fatalf("saves = %d, want 2", n)
	}
}

func TestPersister_SaveErrorReturned(t *testing.T) {
	saver := &countingSaver{err: &PersistenceError{Op: "save", Path: "/x", Err: os.ErrPermission}}
	p := NewPersister(saver, time.Hour, slog.Default())
	p.Schedule(SystemState{Revision: 1})

	err := p.Flush()
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("err = %v, want permission error", err)
	}
	if p.Saves() != 0 {
		t.Errorf("failed save counted")
	}
}

// gatedSaver blocks every Save until release is closed.
type gatedSaver struct {
	countingSaver
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSaver) Save(st SystemState) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.countingSaver.Save(st)
}

func TestPersister_FlushWaitsForTimerSave(t *testing.T) {
	saver := &gatedSaver{started: make(chan struct{}), release: make(chan struct{})}
	p := NewPersister(saver, 10*time.Millisecond, slog.Default())

	p.Schedule(SystemState{Revision: 1})
	select {
	case <-saver.started:
	case <-time.After(time.Second):
		t.Fatalf("timer save never started")
	}
	// Scheduled while the first write is still in progress.
	p.Schedule(SystemState{Revision: 2})

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush() }()

	select {
	case err := <-flushed:
		t.Fatalf("Flush returned (%v) while a save was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(saver.release)
	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Flush did not return")
	}

	saved := saver.states()
	if len(saved) != 2 || saved[0].Revision != 1 || saved[1].Revision != 2 {
		t.Fatalf("saved revisions = %v, want [1 2]", saved)
	}
}
