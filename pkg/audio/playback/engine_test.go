package playback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/audio/playback"
)

// fakeSink records writes and exposes a manually advanced clock.
type fakeSink struct {
	mu      sync.Mutex
	now     time.Duration
	written []audio.Frame
	flushes int
	closed  bool
}

var _ playback.Sink = (*fakeSink)(nil)

func (s *fakeSink) Write(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = nil
	s.flushes++
	s.now = 0
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// playbackFrame builds a frame of the given duration at the playback rate.
func playbackFrame(d time.Duration) audio.Frame {
	n := int(d * audio.PlaybackRate / time.Second)
	return audio.Frame{Samples: make([]float32, n), SampleRate: audio.PlaybackRate}
}

func TestEnqueue_RejectsCaptureRate(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)
	defer e.Close()

	frame := audio.Frame{Samples: make([]float32, 160), SampleRate: audio.CaptureRate}
	if err := e.Enqueue(frame); err == nil {
		t.Fatal("expected error for capture-rate frame")
	}
	if sink.writeCount() != 0 {
		t.Error("rejected frame reached the sink")
	}
}

func TestEnqueue_SetsSpeaking(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)
	defer e.Close()

	if e.Speaking() {
		t.Fatal("speaking before any frame")
	}
	if err := e.Enqueue(playbackFrame(500 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !e.Speaking() {
		t.Fatal("not speaking after scheduling a frame")
	}
}

func TestSpeaking_ClearsWhenClockCatchesUp(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)
	defer e.Close()

	if err := e.Enqueue(playbackFrame(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Clock still behind the scheduled end: must stay speaking.
	sink.advance(50 * time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	if !e.Speaking() {
		t.Fatal("speaking cleared while audio still scheduled")
	}

	sink.advance(100 * time.Millisecond)
	waitFor(t, func() bool { return !e.Speaking() }, "speaking to clear")
}

func TestEnqueue_SchedulesBackToBack(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)
	defer e.Close()

	// Two 100ms frames arriving in a burst schedule 200ms of audio.
	e.Enqueue(playbackFrame(100 * time.Millisecond))
	e.Enqueue(playbackFrame(100 * time.Millisecond))

	if got := e.BufferedDuration(); got != 200*time.Millisecond {
		t.Errorf("buffered %v, want 200ms", got)
	}

	// A starved queue resumes at the clock, not at the stale schedule.
	sink.advance(300 * time.Millisecond)
	e.Enqueue(playbackFrame(100 * time.Millisecond))
	if got := e.BufferedDuration(); got != 100*time.Millisecond {
		t.Errorf("buffered after starvation %v, want 100ms", got)
	}
}

func TestInterrupt_ClearsEverything(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)
	defer e.Close()

	e.Enqueue(playbackFrame(time.Second))
	if !e.Speaking() {
		t.Fatal("not speaking before interrupt")
	}

	e.Interrupt()

	if e.Speaking() {
		t.Error("still speaking after interrupt")
	}
	if sink.flushes != 1 {
		t.Errorf("sink flushed %d times, want 1", sink.flushes)
	}
	if got := e.BufferedDuration(); got != 0 {
		t.Errorf("buffered %v after interrupt, want 0", got)
	}

	// Schedule restarts from the device clock.
	e.Enqueue(playbackFrame(100 * time.Millisecond))
	if got := e.BufferedDuration(); got != 100*time.Millisecond {
		t.Errorf("buffered after restart %v, want 100ms", got)
	}
}

func TestSpeakingHandler_FiresOnTransitions(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}

	var mu sync.Mutex
	var transitions []bool
	e := playback.New(sink, playback.WithSpeakingHandler(func(speaking bool) {
		mu.Lock()
		transitions = append(transitions, speaking)
		mu.Unlock()
	}))
	defer e.Close()

	e.Enqueue(playbackFrame(100 * time.Millisecond))
	e.Enqueue(playbackFrame(100 * time.Millisecond)) // no second true
	e.Interrupt()

	mu.Lock()
	got := append([]bool(nil), transitions...)
	mu.Unlock()
	want := []bool{true, false}
	if len(got) != len(want) {
		t.Fatalf("transitions %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions %v, want %v", got, want)
		}
	}
}

func TestClose_NotifiesSpeakingStopped(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}

	var mu sync.Mutex
	var transitions []bool
	e := playback.New(sink, playback.WithSpeakingHandler(func(speaking bool) {
		mu.Lock()
		transitions = append(transitions, speaking)
		mu.Unlock()
	}))

	e.Enqueue(playbackFrame(time.Second))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	got := append([]bool(nil), transitions...)
	mu.Unlock()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("transitions %v, want [true false]", got)
	}

	// A second Close must not notify again.
	e.Close()
	mu.Lock()
	n := len(transitions)
	mu.Unlock()
	if n != 2 {
		t.Errorf("transitions after second Close: %d, want 2", n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	e := playback.New(sink)

	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if err := e.Enqueue(playbackFrame(10 * time.Millisecond)); err == nil {
		t.Error("Enqueue after Close succeeded")
	}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
