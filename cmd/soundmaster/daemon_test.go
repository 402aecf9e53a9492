package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSelector records every Select call.
type fakeSelector struct {
	mu       sync.Mutex
	selected []string
	err      error
}

func (s *fakeSelector) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.selected = append(s.selected, id)
	return nil
}

func (s *fakeSelector) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selected...)
}

// recordingPersister records scheduled states and flushes.
type recordingPersister struct {
	mu        sync.Mutex
	scheduled []SystemState
	flushes   int
}

func (p *recordingPersister) Schedule(st SystemState) {
	p.mu.Lock()
	p.scheduled = append(p.scheduled, st)
	p.mu.Unlock()
}

func (p *recordingPersister) Flush() error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	return nil
}

// snapshotRecorder is a SnapshotSink that keeps every snapshot.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) PublishSnapshot(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *snapshotRecorder) waitFor(t *testing.T, msg string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var got Snapshot
	waitUntil(t, 2*time.Second, func() bool {
		s, ok := r.last()
		got = s
		return ok && cond(s)
	}, msg)
	return got
}

type daemonHarness struct {
	daemon    *Daemon
	queue     *IntentQueue
	events    chan Event
	bus       *fakeBus
	chip      *PT2258
	selector  *fakeSelector
	persister *recordingPersister
	snaps     *snapshotRecorder

	cancel context.CancelFunc
	done   chan *DaemonState
}

func newDaemonHarness(t *testing.T, retry time.Duration) *daemonHarness {
	t.Helper()
	bus := &fakeBus{}
	h := &daemonHarness{
		queue:     NewIntentQueue(256, slog.Default()),
		events:    make(chan Event, 16),
		bus:       bus,
		chip:      NewPT2258(bus, 0x88, 0),
		selector:  &fakeSelector{},
		persister: &recordingPersister{},
		snaps:     &snapshotRecorder{},
	}
	h.daemon = &Daemon{
		Intents:       h.queue.C(),
		Events:        h.events,
		Hardware:      Hardware{Chip: h.chip, Selector: h.selector},
		Persister:     h.persister,
		Sinks:         []SnapshotSink{h.snaps},
		Reduce:        testReduceConfig(),
		RetryInterval: retry,
		Logger:        slog.Default(),
	}
	return h
}

func (h *daemonHarness) start(sys SystemState) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan *DaemonState, 1)
	go func() {
		h.done <- h.daemon.Run(ctx, &DaemonState{System: sys})
	}()
}

func (h *daemonHarness) stop(t *testing.T) *DaemonState {
	t.Helper()
	h.cancel()
	select {
	case st := <-h.done:
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("control loop did not stop")
		return nil
	}
}

func (h *daemonHarness) send(in Intent) {
	h.queue.Offer(IntentEvent{Intent: in, Source: SourceIPC})
}

func unmutedState(level int) SystemState {
	st := DefaultState(testInputs)
	st.Muted = false
	st.Level = level
	st.Revision = 4
	return st
}

func TestDaemon_StartupAppliesRestoredState(t *testing.T) {
	h := newDaemonHarness(t, time.Hour)
	h.start(unmutedState(40))

	snap := h.snaps.waitFor(t, "startup apply not acknowledged", func(s Snapshot) bool {
		return s.AppliedRevision == 4 && !s.Degraded
	})
	if snap.Revision != 4 {
		t.Errorf("startup changed revision to %d", snap.Revision)
	}

	st := h.stop(t)
	if !st.ChipReady {
		t.Errorf("chip not marked ready after init")
	}

	writes := h.bus.written()
	if len(writes) == 0 || writes[0] != pt2258Clear {
		t.Fatalf("first write = % x, want clear (0x%02x) first", writes, pt2258Clear)
	}
	if step, known := h.chip.LastMaster(); !known || step != attenuationTable[40] {
		t.Errorf("master = %+v known=%v, want level 40", step, known)
	}
	for _, ch := range allChannels {
		step, known := h.chip.LastApplied(ch)
		if !known || step != attenuationTable[MaxLevel] {
			t.Errorf("%s = %+v known=%v, want neutral trim", ch, step, known)
		}
	}
	if h.chip.Muted() {
		t.Errorf("chip left muted")
	}
	if got := h.selector.calls(); len(got) != 1 || got[0] != "OPi" {
		t.Errorf("selector calls = %v, want [OPi]", got)
	}
}

func TestDaemon_MutedHardwareAtMaxAttenuation(t *testing.T) {
	h := newDaemonHarness(t, time.Hour)
	h.start(unmutedState(50))
	h.snaps.waitFor(t, "startup", func(s Snapshot) bool { return s.AppliedRevision == 4 })

	h.send(SetMute{Muted: true})
	h.send(VolumeDelta{Steps: 5}) // held in state while muted

	snap := h.snaps.waitFor(t, "mute not applied", func(s Snapshot) bool {
		return s.Revision == 6
	})
	if !snap.Muted || snap.Level != 55 {
		t.Fatalf("snapshot = %+v, want muted at level 55", snap)
	}

	h.stop(t)
	if !h.chip.Muted() {
		t.Errorf("mute bit not set")
	}
	for _, ch := range allChannels {
		step, _ := h.chip.LastApplied(ch)
		if step.DB() != MaxLevel {
			t.Errorf("%s attenuation = %d dB while muted, want %d", ch, step.DB(), MaxLevel)
		}
	}
}

func TestDaemon_DegradedThenRecoversOnRetry(t *testing.T) {
	h := newDaemonHarness(t, 20*time.Millisecond)
	h.bus.setFailing(true)
	h.start(unmutedState(30))

	h.snaps.waitFor(t, "failure not published as degraded", func(s Snapshot) bool { return s.Degraded })

	// Commits while degraded are kept; hardware is not rolled back.
	h.send(SetVolume{Level: 35})
	snap := h.snaps.waitFor(t, "commit while degraded", func(s Snapshot) bool { return s.Revision == 5 })
	if !snap.Degraded || snap.Level != 35 {
		t.Fatalf("snapshot = %+v, want degraded at level 35", snap)
	}

	h.bus.setFailing(false)
	snap = h.snaps.waitFor(t, "retry did not recover", func(s Snapshot) bool { return !s.Degraded })
	if snap.AppliedRevision != 5 {
		t.Errorf("applied revision = %d, want 5", snap.AppliedRevision)
	}

	st := h.stop(t)
	if !st.ChipReady {
		t.Errorf("recovery full apply should initialize the chip")
	}
	if step, _ := h.chip.LastMaster(); step != attenuationTable[35] {
		t.Errorf("master = %+v, want level 35", step)
	}
}

func TestDaemon_SelectorFailureDegrades(t *testing.T) {
	h := newDaemonHarness(t, time.Hour)
	h.start(unmutedState(30))
	h.snaps.waitFor(t, "startup", func(s Snapshot) bool { return s.AppliedRevision == 4 })

	h.selector.mu.Lock()
	h.selector.err = errors.New("selector stuck")
	h.selector.mu.Unlock()

	h.send(SetInput{ID: "Opt1"})
	snap := h.snaps.waitFor(t, "select failure not degraded", func(s Snapshot) bool { return s.Degraded })
	if snap.ActiveInput != "Opt1" || snap.Revision != 5 {
		t.Errorf("snapshot = %+v, want committed Opt1 at revision 5", snap)
	}
	h.stop(t)
}

func TestDaemon_DrainsQueueAndFlushesOnShutdown(t *testing.T) {
	h := newDaemonHarness(t, time.Hour)
	for i := 0; i < 5; i++ {
		h.send(VolumeDelta{Steps: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := h.daemon.Run(ctx, &DaemonState{System: unmutedState(10)})

	if st.System.Level != 15 || st.System.Revision != 9 {
		t.Fatalf("final state level=%d rev=%d, want 15/9", st.System.Level, st.System.Revision)
	}
	if st.Phase != PhaseStopping {
		t.Errorf("phase = %v, want stopping", st.Phase)
	}
	if h.queue.Len() != 0 {
		t.Errorf("%d intents left in queue", h.queue.Len())
	}

	h.persister.mu.Lock()
	defer h.persister.mu.Unlock()
	if h.persister.flushes != 1 {
		t.Errorf("flushes = %d, want 1", h.persister.flushes)
	}
	if n := len(h.persister.scheduled); n != 5 || h.persister.scheduled[n-1].Revision != 9 {
		t.Errorf("scheduled %d saves, want 5 ending at revision 9", n)
	}
}

// Encoder detents and order-sensitive remote intents race into the queue.
// The loop's final state must equal folding Reduce over the order the loop
// actually dequeued them in.
func TestDaemon_ConcurrentProducersSerialize(t *testing.T) {
	h := newDaemonHarness(t, time.Hour)

	var (
		orderMu sync.Mutex
		order   []IntentEvent
	)
	tap := make(chan IntentEvent)
	go func() {
		for ev := range h.queue.C() {
			orderMu.Lock()
			order = append(order, ev)
			orderMu.Unlock()
			tap <- ev
		}
	}()
	h.daemon.Intents = tap

	initial := unmutedState(20)
	h.start(initial)

	enc := NewEncoder(h.queue, EncoderOptions{StepsPerDetent: 4}, slog.Default())
	remote := [][]Intent{
		{SetVolume{Level: 60}, SetMute{Muted: true}, SetInput{ID: "Opt2"}, SetVolume{Level: 5}},
		{SetChannelVolume{Channel: ChannelC, Level: 50}, SetMute{Muted: false}, SetInput{ID: "AUX"}},
		{SetChannelLevels{Levels: [NumChannels]int{70, 71, 72, 73, 74, 75}}, CycleInput{}, SetVolume{Level: 33}},
	}

	const detents = 30
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		at := time.Now()
		for i := 0; i < detents; i++ {
			dir := 1
			if i%3 == 0 {
				dir = -1
			}
			enc.HandleDetent(dir, at.Add(time.Duration(i)*time.Second))
		}
	}()
	go func() {
		defer wg.Done()
		for round := 0; round < 5; round++ {
			for _, batch := range remote {
				for _, in := range batch {
					if err := h.queue.OfferWait(context.Background(),
						IntentEvent{Intent: in, Source: SourceMQTT}, time.Second); err != nil {
						t.Errorf("OfferWait: %v", err)
					}
				}
			}
		}
	}()
	wg.Wait()

	sent := detents + 5*(4+3+3)
	waitUntil(t, 2*time.Second, func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return len(order) == sent
	}, "not every intent was dequeued")

	orderMu.Lock()
	seq := append([]IntentEvent(nil), order...)
	orderMu.Unlock()

	sources := map[Source]int{}
	want := Reduce(&DaemonState{System: initial}, Started{At: time.Now()}, testReduceConfig()).State
	for _, ev := range seq {
		sources[ev.Source]++
		want = Reduce(want, ev, testReduceConfig()).State
	}
	if sources[SourceEncoder] != detents || sources[SourceMQTT] != sent-detents {
		t.Fatalf("dequeued sources = %v", sources)
	}

	var snap Snapshot
	waitUntil(t, 2*time.Second, func() bool {
		s, err := requestSnapshot(context.Background(), h.events, time.Second)
		snap = s
		return err == nil && s.Revision == want.System.Revision
	}, "loop did not reach the folded revision")

	got := h.stop(t).System
	if !got.logicallyEqual(want.System) || got.Revision != want.System.Revision {
		t.Fatalf("loop state = %+v\nfolded      = %+v", got, want.System)
	}
	if snap.Level != want.System.Level || snap.ActiveInput != want.System.ActiveInput {
		t.Errorf("snapshot = %+v, want level %d input %s", snap, want.System.Level, want.System.ActiveInput)
	}
}

func TestRequestSnapshot_TimesOutWithoutLoop(t *testing.T) {
	events := make(chan Event)
	_, err := requestSnapshot(context.Background(), events, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
