package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ElkanHub/coauthor/internal/observe"
	"github.com/ElkanHub/coauthor/internal/transcript"
	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
)

// State describes where the controller is in its connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CaptureSource produces captured microphone frames. A source is single-use:
// once stopped, its frame channel is closed for good and the controller
// creates a fresh one on the next connect. *capture.Pipeline satisfies it.
type CaptureSource interface {
	Start() error
	Frames() <-chan audio.Frame
	Stop()
}

// ToolProvider is the full tool surface the controller needs: executing
// invocations (via the embedded [ToolExecutor]) and declaring the available
// tools at session setup. *toolbridge.Bridge satisfies it.
type ToolProvider interface {
	ToolExecutor
	Definitions() []s2s.ToolDefinition
}

// Controller drives one duplex voice session at a time. It owns the
// connect/disconnect state machine, pumps capture frames up the wire, and
// delegates everything inbound to a [Dispatcher].
//
// Mute is orthogonal to the lifecycle: it can be toggled in any state and
// survives reconnects. While muted, capture keeps running but frames are
// discarded before they reach the wire.
type Controller struct {
	provider   s2s.Provider
	sessionCfg s2s.SessionConfig
	newCapture func() (CaptureSource, error)
	player     Player
	tools      ToolProvider
	store      transcript.Store
	metrics    *observe.Metrics
	log        *slog.Logger
	onTurn     func(turn int)
	onDown     func(err error)

	mu         sync.Mutex
	state      State
	muted      bool
	discReq    bool // disconnect requested while a connect was in flight
	capture    CaptureSource
	session    s2s.SessionHandle
	dispatcher *Dispatcher
	forwardWG  sync.WaitGroup
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithLogger overrides the controller's logger.
func WithLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithMetrics overrides the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithTranscriptStore sets the store transcription events are appended to.
// Without it transcriptions are dropped.
func WithTranscriptStore(store transcript.Store) ControllerOption {
	return func(c *Controller) { c.store = store }
}

// WithTools sets the tool bridge. Its definitions are declared to the
// provider at session setup and its Execute answers the model's tool calls.
func WithTools(tools ToolProvider) ControllerOption {
	return func(c *Controller) { c.tools = tools }
}

// WithTurnCallback registers fn to be called after each completed model turn.
func WithTurnCallback(fn func(turn int)) ControllerOption {
	return func(c *Controller) { c.onTurn = fn }
}

// WithSessionDownHandler registers fn to be called when a connected session
// dies on the provider side. fn runs on its own goroutine; a [Reconnector]'s
// NotifyDisconnect is the usual target.
func WithSessionDownHandler(fn func(err error)) ControllerOption {
	return func(c *Controller) { c.onDown = fn }
}

// NewController creates a controller in the idle state. newCapture is called
// once per connect to create a fresh capture source; player receives the
// model's audio for the lifetime of the controller.
func NewController(provider s2s.Provider, cfg s2s.SessionConfig, newCapture func() (CaptureSource, error), player Player, opts ...ControllerOption) *Controller {
	c := &Controller{
		provider:   provider,
		sessionCfg: cfg,
		newCapture: newCapture,
		player:     player,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect starts capture, opens a session with the provider and launches the
// event dispatcher. It is an error to call Connect unless the controller is
// idle. On any failure everything already started is rolled back and the
// controller returns to idle.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("engine: connect while %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	rollback := func() {
		c.mu.Lock()
		c.state = StateIdle
		c.discReq = false
		c.capture = nil
		c.session = nil
		c.dispatcher = nil
		c.mu.Unlock()
	}

	src, err := c.newCapture()
	if err != nil {
		rollback()
		return fmt.Errorf("engine: create capture: %w", err)
	}
	if err := src.Start(); err != nil {
		src.Stop()
		rollback()
		return fmt.Errorf("engine: start capture: %w", err)
	}

	cfg := c.sessionCfg
	if c.tools != nil {
		cfg.Tools = c.tools.Definitions()
	}
	session, err := c.provider.OpenSession(ctx, cfg)
	if err != nil {
		src.Stop()
		rollback()
		return fmt.Errorf("engine: open session: %w", err)
	}

	sessionID := newSessionID()
	var tools ToolExecutor
	if c.tools != nil {
		tools = c.tools
	}
	dispatcher := NewDispatcher(session, c.player, tools, c.store, c.metrics, sessionID,
		WithDispatchLogger(c.log),
		WithTurnHandler(c.onTurn),
	)
	dispatcher.Start()

	c.mu.Lock()
	if c.discReq {
		c.discReq = false
		c.state = StateIdle
		c.mu.Unlock()
		src.Stop()
		if err := session.Close(); err != nil {
			c.log.Warn("close session", "err", err)
		}
		dispatcher.Wait()
		return fmt.Errorf("engine: connect aborted, disconnect requested")
	}
	c.capture = src
	c.session = session
	c.dispatcher = dispatcher
	c.state = StateConnected
	c.forwardWG.Add(1)
	c.mu.Unlock()

	go c.forwardCapture(src.Frames(), session)
	go c.watchSession(session, dispatcher)

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("session connected", "session", sessionID, "provider", c.provider.Name())
	return nil
}

// forwardCapture pumps microphone frames into the session until the capture
// channel closes. Muted frames are counted and dropped before the wire.
func (c *Controller) forwardCapture(frames <-chan audio.Frame, session s2s.SessionHandle) {
	defer c.forwardWG.Done()

	for frame := range frames {
		if c.Muted() {
			c.metrics.FramesMuted.Add(context.Background(), 1)
			continue
		}
		if err := session.SendAudio(frame); err != nil {
			if session.Err() != nil {
				c.log.Warn("capture forwarding stopped, session is dead", "err", session.Err())
				return
			}
			c.log.Warn("send capture frame", "err", err)
			continue
		}
		c.metrics.FramesSent.Add(context.Background(), 1)
	}
}

// watchSession tears the session down when the event stream ends while the
// controller still believes it is connected, then fires the session-down
// handler. A local Disconnect moves the state away from connected before
// closing the session, so clean teardowns never reach the handler.
func (c *Controller) watchSession(session s2s.SessionHandle, dispatcher *Dispatcher) {
	dispatcher.Wait()

	c.mu.Lock()
	if c.state != StateConnected || c.session != session {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	src := c.capture
	c.mu.Unlock()

	c.teardown(src, session, dispatcher)
	c.log.Warn("session terminated by provider", "err", session.Err())

	if c.onDown != nil {
		c.onDown(session.Err())
	}
}

// Disconnect tears the session down: capture stops first so nothing new goes
// up the wire, then the session closes, which ends the dispatcher's event
// stream. Pending playback is cancelled. Calling Disconnect while idle is a
// no-op; calling it while a Connect is still in flight makes that Connect
// release everything it acquired and fail.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.discReq = true
		c.mu.Unlock()
		return nil
	case StateConnected:
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	src := c.capture
	session := c.session
	dispatcher := c.dispatcher
	c.mu.Unlock()

	c.teardown(src, session, dispatcher)
	c.log.Info("session disconnected")
	return nil
}

// teardown releases a connected session's resources and returns the
// controller to idle. The caller must have moved the state to disconnecting
// first so no second teardown can start.
func (c *Controller) teardown(src CaptureSource, session s2s.SessionHandle, dispatcher *Dispatcher) {
	src.Stop()
	c.forwardWG.Wait()

	if err := session.Close(); err != nil {
		c.log.Warn("close session", "err", err)
	}
	dispatcher.Wait()

	c.player.Interrupt()

	c.mu.Lock()
	c.capture = nil
	c.session = nil
	c.dispatcher = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

// SetMuted toggles the microphone gate. Allowed in any state.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()
	if changed {
		c.log.Info("mute changed", "muted", muted)
	}
}

// Muted reports whether capture frames are currently being discarded.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// SendText sends typed text into the conversation. With endTurn set the
// model responds immediately; without it the text lands as pending context
// for the next turn.
func (c *Controller) SendText(text string, endTurn bool) error {
	session, err := c.connectedSession()
	if err != nil {
		return err
	}
	return session.SendText(text, endTurn)
}

// InjectContext pushes out-of-band text into the session without triggering
// a response.
func (c *Controller) InjectContext(role, text string) error {
	session, err := c.connectedSession()
	if err != nil {
		return err
	}
	return session.InjectContext(role, text)
}

func (c *Controller) connectedSession() (s2s.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil, fmt.Errorf("engine: not connected (state %s)", c.state)
	}
	return c.session, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Speaking reports whether model audio is currently audible.
func (c *Controller) Speaking() bool {
	return c.player.Speaking()
}

// Turn returns the number of completed model turns in the current session,
// or zero when idle.
func (c *Controller) Turn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatcher == nil {
		return 0
	}
	return c.dispatcher.Turn()
}

// Close disconnects if connected. The player is owned by the caller and is
// not closed here.
func (c *Controller) Close() error {
	return c.Disconnect()
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "s-unknown"
	}
	return "s-" + hex.EncodeToString(b[:])
}
