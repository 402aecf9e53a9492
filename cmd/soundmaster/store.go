package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// stateFileVersion is bumped when the on-disk layout changes incompatibly.
const stateFileVersion = 1

// persistedState is the on-disk form. Degraded and audio status are runtime
// observations and are not saved.
type persistedState struct {
	Version       int              `json:"version"`
	Level         int              `json:"master_volume"`
	ChannelLevels [NumChannels]int `json:"channel_volumes"`
	Muted         bool             `json:"mute_state"`
	ActiveInput   string           `json:"active_input"`
	Revision      uint64           `json:"revision"`
	SavedAt       time.Time        `json:"saved_at"`
}

// FileStore keeps the committed state in a JSON file. Writes are atomic
// (temp file + rename) so a power cut leaves either the old or the new file.
type FileStore struct {
	path   string
	inputs []string
}

func NewFileStore(path string, inputs []string) *FileStore {
	return &FileStore{path: ExpandPath(path), inputs: inputs}
}

func (s *FileStore) Path() string { return s.path }

// Load reads and validates the state file. Any failure is a
// *PersistenceError; a missing file wraps os.ErrNotExist.
func (s *FileStore) Load() (SystemState, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return SystemState{}, &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	var p persistedState
	if err := json.Unmarshal(b, &p); err != nil {
		return SystemState{}, &PersistenceError{Op: "load", Path: s.path, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := s.validate(p); err != nil {
		return SystemState{}, &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	return SystemState{
		Level:         p.Level,
		ChannelLevels: p.ChannelLevels,
		Muted:         p.Muted,
		ActiveInput:   p.ActiveInput,
		Revision:      p.Revision,
		UpdatedAt:     p.SavedAt,
	}, nil
}

func (s *FileStore) validate(p persistedState) error {
	if p.Version != stateFileVersion {
		return fmt.Errorf("unsupported version %d", p.Version)
	}
	if p.Level < 0 || p.Level > MaxLevel {
		return fmt.Errorf("master_volume %d out of range", p.Level)
	}
	for i, l := range p.ChannelLevels {
		if l < 0 || l > MaxLevel {
			return fmt.Errorf("channel_volumes[%d] %d out of range", i, l)
		}
	}
	if !containsInput(s.inputs, p.ActiveInput) {
		return fmt.Errorf("active_input %q is not configured", p.ActiveInput)
	}
	return nil
}

// Save writes st atomically.
func (s *FileStore) Save(st SystemState) error {
	p := persistedState{
		Version:       stateFileVersion,
		Level:         st.Level,
		ChannelLevels: st.ChannelLevels,
		Muted:         st.Muted,
		ActiveInput:   st.ActiveInput,
		Revision:      st.Revision,
		SavedAt:       time.Now().UTC(),
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	if err := renameio.WriteFile(s.path, append(b, '\n'), 0o644); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

// loadOrDefault returns the stored state, or DefaultState when the file is
// missing or unusable. The error is returned for logging only.
func loadOrDefault(store *FileStore, inputs []string) (SystemState, error) {
	st, err := store.Load()
	if err != nil {
		return DefaultState(inputs), err
	}
	return st, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// ============================================================================
// Debounced write-through
// ============================================================================

type stateSaver interface {
	Save(SystemState) error
}

// Persister coalesces saves. The first Schedule after a save arms a timer of
// delay; later Schedules only replace the pending state, so a burst of encoder
// turns produces one write no later than delay after the first change.
type Persister struct {
	store  stateSaver
	delay  time.Duration
	logger *slog.Logger

	saveMu sync.Mutex // serializes store writes

	mu      sync.Mutex
	pending *SystemState
	timer   *time.Timer
	saved   uint64
}

func NewPersister(store stateSaver, delay time.Duration, logger *slog.Logger) *Persister {
	return &Persister{store: store, delay: delay, logger: logger}
}

// Schedule records st as the newest state to save.
func (p *Persister) Schedule(st SystemState) {
	if p.delay <= 0 {
		p.save(st)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = &st
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.flushPending)
	}
}

func (p *Persister) takePending() *SystemState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.pending
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return st
}

// flushPending is the timer callback.
func (p *Persister) flushPending() {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if st := p.takePending(); st != nil {
		p.saveLocked(*st)
	}
}

// Flush synchronously writes any pending state. Called on shutdown. It waits
// for a timer save already in flight, so on return the newest scheduled state
// is on disk.
func (p *Persister) Flush() error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	st := p.takePending()
	if st == nil {
		return nil
	}
	return p.saveLocked(*st)
}

func (p *Persister) save(st SystemState) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	return p.saveLocked(st)
}

// saveLocked writes st. The caller holds saveMu; pending state is taken under
// the same lock so an older state never lands after a newer one.
func (p *Persister) saveLocked(st SystemState) error {
	if err := p.store.Save(st); err != nil {
		p.logger.Error("state save failed", "error", err, "revision", st.Revision)
		return err
	}
	p.mu.Lock()
	p.saved++
	p.mu.Unlock()
	p.logger.Debug("state saved", "revision", st.Revision)
	return nil
}

// Saves returns the number of successful writes.
func (p *Persister) Saves() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}
