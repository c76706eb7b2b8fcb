// Package engine wires audio capture, the speech-to-speech session, playback
// and tool execution into a single duplex voice pipeline.
//
// The [Controller] owns the pipeline lifecycle (connect, disconnect, mute,
// text input) while the [Dispatcher] owns the inbound side: it drains the
// session's event stream on a single goroutine so that audio, interruptions
// and turn boundaries are handled in the exact order the provider produced
// them.
package engine

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ElkanHub/coauthor/internal/observe"
	"github.com/ElkanHub/coauthor/internal/transcript"
	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
)

// Player is the playback surface the dispatcher schedules model audio onto.
// *playback.Engine satisfies it.
type Player interface {
	Enqueue(f audio.Frame) error
	Interrupt()
	Speaking() bool
	BufferedDuration() time.Duration
}

// ToolExecutor resolves a tool invocation to exactly one result.
// *toolbridge.Bridge satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, inv s2s.ToolInvocation) s2s.ToolResult
}

// Dispatcher drains a session's event stream and routes each event to the
// right sink: audio to the player, interruptions to the player's abort path,
// tool calls to the executor, transcriptions to the transcript store.
//
// Event order is preserved by handling everything on one goroutine; only tool
// execution, which may take arbitrarily long, is pushed onto worker goroutines
// so it cannot stall playback.
type Dispatcher struct {
	session s2s.SessionHandle
	player  Player
	tools   ToolExecutor
	store   transcript.Store
	metrics *observe.Metrics
	log     *slog.Logger

	sessionID string
	onTurn    func(turn int)

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup

	turn atomic.Int64
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithTurnHandler registers fn to be called after each completed model turn
// with the 1-based turn number. fn runs on the dispatch goroutine and must
// not block.
func WithTurnHandler(fn func(turn int)) DispatcherOption {
	return func(d *Dispatcher) { d.onTurn = fn }
}

// WithDispatchLogger overrides the logger used by the dispatch loop.
func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher creates a dispatcher for session. The store and tools may be
// nil, in which case transcription events are dropped and tool calls are
// answered with an error result.
func NewDispatcher(session s2s.SessionHandle, player Player, tools ToolExecutor, store transcript.Store, metrics *observe.Metrics, sessionID string, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		session:   session,
		player:    player,
		tools:     tools,
		store:     store,
		metrics:   metrics,
		log:       slog.Default(),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("session", sessionID)
	return d
}

// Start launches the dispatch loop. Subsequent calls are no-ops.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Stop cancels in-flight tool executions and waits for the dispatch loop and
// all tool workers to exit. The session's event channel must already be
// closed (or closing) or Stop will block until it is.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Wait blocks until the dispatch loop and all tool workers have exited,
// which happens when the session's event channel closes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for ev := range d.session.Events() {
		switch ev.Type {
		case s2s.EventAudio:
			d.handleAudio(ev)
		case s2s.EventInterrupted:
			d.handleInterrupted()
		case s2s.EventToolCall:
			d.handleToolCalls(ev.ToolCalls)
		case s2s.EventTranscription:
			d.handleTranscription(ev.Transcript)
		case s2s.EventTurnComplete:
			d.handleTurnComplete()
		default:
			d.log.Debug("unhandled event", "type", ev.Type)
		}
	}

	if err := d.session.Err(); err != nil {
		d.log.Warn("session ended", "err", err)
	}
}

func (d *Dispatcher) handleAudio(ev s2s.Event) {
	if err := d.player.Enqueue(ev.Audio); err != nil {
		d.log.Warn("enqueue playback frame", "err", err)
		return
	}
	if d.metrics != nil {
		d.metrics.FramesReceived.Add(d.ctx, 1)
		d.metrics.PlaybackBuffered.Record(d.ctx, d.player.BufferedDuration().Seconds())
	}
}

func (d *Dispatcher) handleInterrupted() {
	d.player.Interrupt()
	if d.metrics != nil {
		d.metrics.Interruptions.Add(d.ctx, 1)
	}
	d.log.Debug("playback interrupted")
}

// handleToolCalls runs each invocation on its own worker goroutine. Every
// invocation produces exactly one result, even when execution fails; the
// failure is carried inside the result payload so the model can react to it.
func (d *Dispatcher) handleToolCalls(invs []s2s.ToolInvocation) {
	for _, inv := range invs {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runTool(inv)
		}()
	}
}

func (d *Dispatcher) runTool(inv s2s.ToolInvocation) {
	start := time.Now()

	var res s2s.ToolResult
	if d.tools == nil {
		res = s2s.ToolResult{
			ID:       inv.ID,
			Name:     inv.Name,
			Response: []byte(`{"error":"no tools are configured"}`),
		}
	} else {
		res = d.tools.Execute(d.ctx, inv)
	}

	if d.metrics != nil {
		status := "ok"
		if bytes.HasPrefix(res.Response, []byte(`{"error":`)) {
			status = "error"
		}
		d.metrics.RecordToolCall(d.ctx, inv.Name, status, time.Since(start))
	}

	if err := d.session.SendToolResult(res); err != nil {
		d.log.Warn("send tool result", "tool", inv.Name, "id", inv.ID, "err", err)
		return
	}
	d.log.Debug("tool call completed", "tool", inv.Name, "elapsed", time.Since(start))
}

func (d *Dispatcher) handleTranscription(tr s2s.Transcript) {
	if d.store == nil || tr.Text == "" {
		return
	}
	entry := transcript.Entry{
		SessionID: d.sessionID,
		Role:      tr.Role,
		Text:      tr.Text,
		Turn:      int(d.turn.Load()),
		Timestamp: time.Now(),
	}
	if err := d.store.Append(d.ctx, entry); err != nil {
		d.log.Warn("append transcript", "err", err)
	}
}

func (d *Dispatcher) handleTurnComplete() {
	turn := int(d.turn.Add(1))
	d.log.Debug("turn complete", "turn", turn)
	if d.onTurn != nil {
		d.onTurn(turn)
	}
}

// Turn returns the number of completed model turns so far.
func (d *Dispatcher) Turn() int { return int(d.turn.Load()) }
