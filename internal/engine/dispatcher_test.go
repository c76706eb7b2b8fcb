package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ElkanHub/coauthor/internal/observe"
	"github.com/ElkanHub/coauthor/internal/transcript"
	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s/mock"
)

// ── Test doubles ──

type fakePlayer struct {
	mu         sync.Mutex
	enqueued   []audio.Frame
	interrupts int
	speaking   bool
	enqueueErr error
}

func (p *fakePlayer) Enqueue(f audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.enqueued = append(p.enqueued, f)
	p.speaking = true
	return nil
}

func (p *fakePlayer) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	p.enqueued = nil
	p.speaking = false
}

func (p *fakePlayer) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

func (p *fakePlayer) BufferedDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total time.Duration
	for _, f := range p.enqueued {
		total += f.Duration()
	}
	return total
}

func (p *fakePlayer) enqueueCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

func (p *fakePlayer) interruptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

type fakeTools struct {
	mu    sync.Mutex
	defs  []s2s.ToolDefinition
	calls []s2s.ToolInvocation
	run   func(inv s2s.ToolInvocation) s2s.ToolResult
}

func (ft *fakeTools) Definitions() []s2s.ToolDefinition { return ft.defs }

func (ft *fakeTools) Execute(_ context.Context, inv s2s.ToolInvocation) s2s.ToolResult {
	ft.mu.Lock()
	ft.calls = append(ft.calls, inv)
	ft.mu.Unlock()
	if ft.run != nil {
		return ft.run(inv)
	}
	return s2s.ToolResult{ID: inv.ID, Name: inv.Name, Response: json.RawMessage(`{}`)}
}

func (ft *fakeTools) callCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.calls)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func playbackFrame(ms int) audio.Frame {
	n := audio.PlaybackRate * ms / 1000
	return audio.Frame{Samples: make([]float32, n), SampleRate: audio.PlaybackRate}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ── Dispatcher ──

func TestDispatcher_AudioReachesPlayer(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	player := &fakePlayer{}
	d := NewDispatcher(sess, player, nil, nil, testMetrics(t), "s-test")
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: playbackFrame(40)})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: playbackFrame(40)})

	waitFor(t, func() bool { return player.enqueueCount() == 2 })

	sess.Terminate(nil)
	d.Wait()
}

func TestDispatcher_InterruptedClearsPlayback(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	player := &fakePlayer{}
	d := NewDispatcher(sess, player, nil, nil, testMetrics(t), "s-test")
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: playbackFrame(40)})
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	sess.Terminate(nil)
	d.Wait()

	if got := player.interruptCount(); got != 1 {
		t.Errorf("interrupts: got %d, want 1", got)
	}
	if player.enqueueCount() != 0 {
		t.Error("interrupt should have cleared enqueued audio")
	}
}

func TestDispatcher_ToolCallProducesExactlyOneResult(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	tools := &fakeTools{}
	d := NewDispatcher(sess, &fakePlayer{}, tools, nil, testMetrics(t), "s-test")
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: []s2s.ToolInvocation{
		{ID: "call-1", Name: "lookup", Args: json.RawMessage(`{"q":"go"}`)},
	}})

	waitFor(t, func() bool {
		_, ok := sess.ToolResultFor("call-1")
		return ok
	})

	res, _ := sess.ToolResultFor("call-1")
	if res.Name != "lookup" {
		t.Errorf("result name: got %q, want lookup", res.Name)
	}
	if tools.callCount() != 1 {
		t.Errorf("executor calls: got %d, want 1", tools.callCount())
	}

	sess.Terminate(nil)
	d.Wait()
}

func TestDispatcher_NilToolsStillAnswersCall(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	d := NewDispatcher(sess, &fakePlayer{}, nil, nil, testMetrics(t), "s-test")
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: []s2s.ToolInvocation{
		{ID: "call-9", Name: "missing"},
	}})

	waitFor(t, func() bool {
		_, ok := sess.ToolResultFor("call-9")
		return ok
	})

	res, _ := sess.ToolResultFor("call-9")
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(res.Response, &payload); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if payload.Error == "" {
		t.Error("expected an error payload when no tools are configured")
	}

	sess.Terminate(nil)
	d.Wait()
}

func TestDispatcher_ParallelToolCallsAllAnswered(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	tools := &fakeTools{run: func(inv s2s.ToolInvocation) s2s.ToolResult {
		time.Sleep(10 * time.Millisecond)
		return s2s.ToolResult{ID: inv.ID, Name: inv.Name, Response: json.RawMessage(`{}`)}
	}}
	d := NewDispatcher(sess, &fakePlayer{}, tools, nil, testMetrics(t), "s-test")
	d.Start()

	var invs []s2s.ToolInvocation
	for i := 0; i < 5; i++ {
		invs = append(invs, s2s.ToolInvocation{ID: fmt.Sprintf("call-%d", i), Name: "slow"})
	}
	sess.Emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: invs})

	for _, inv := range invs {
		id := inv.ID
		waitFor(t, func() bool {
			_, ok := sess.ToolResultFor(id)
			return ok
		})
	}

	sess.Terminate(nil)
	d.Wait()
}

func TestDispatcher_TranscriptionsAppendedWithTurn(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	store := &transcript.MemoryStore{}
	d := NewDispatcher(sess, &fakePlayer{}, nil, store, testMetrics(t), "s-tr")
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventTranscription, Transcript: s2s.Transcript{Role: "user", Text: "hello"}})
	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	sess.Emit(s2s.Event{Type: s2s.EventTranscription, Transcript: s2s.Transcript{Role: "model", Text: "hi there"}})
	sess.Terminate(nil)
	d.Wait()

	entries, err := store.Recent(context.Background(), "s-tr", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Turn != 0 || entries[1].Turn != 1 {
		t.Errorf("turns: got %d and %d, want 0 and 1", entries[0].Turn, entries[1].Turn)
	}
	if entries[1].Role != "model" || entries[1].Text != "hi there" {
		t.Errorf("second entry: got %+v", entries[1])
	}
}

func TestDispatcher_TurnHandlerFires(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	var mu sync.Mutex
	var turns []int
	d := NewDispatcher(sess, &fakePlayer{}, nil, nil, testMetrics(t), "s-test",
		WithTurnHandler(func(turn int) {
			mu.Lock()
			turns = append(turns, turn)
			mu.Unlock()
		}),
	)
	d.Start()

	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	sess.Terminate(nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 2 || turns[0] != 1 || turns[1] != 2 {
		t.Errorf("turn callbacks: got %v, want [1 2]", turns)
	}
	if d.Turn() != 2 {
		t.Errorf("Turn(): got %d, want 2", d.Turn())
	}
}

func TestDispatcher_ExitsOnSessionError(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	d := NewDispatcher(sess, &fakePlayer{}, nil, nil, testMetrics(t), "s-test")
	d.Start()

	sess.Terminate(errors.New("connection reset"))

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit after session error")
	}
}
