// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify OpenSession calls and feed controlled sessions.
// Use Session to drive the inbound event stream and inspect what the engine
// sent back.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.OpenSession(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
)

// OpenCall records a single invocation of Provider.OpenSession.
type OpenCall struct {
	// Ctx is the context passed to OpenSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to OpenSession.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by OpenSession. If nil, OpenSession
	// returns a fresh default Session.
	Session s2s.SessionHandle

	// OpenErr, if non-nil, is returned as the error from OpenSession.
	OpenErr error

	// OpenCalls records every call to OpenSession in order.
	OpenCalls []OpenCall
}

var _ s2s.Provider = (*Provider)(nil)

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "mock" }

// OpenSession records the call and returns Session or OpenErr.
func (p *Provider) OpenSession(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// OpenCount returns how many times OpenSession was called.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Session is a mock implementation of s2s.SessionHandle. Tests feed inbound
// events with Emit and inspect the recorded outbound traffic.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool
	errVal error

	// SentAudio records every frame passed to SendAudio.
	SentAudio []audio.Frame

	// SentTexts records every SendText call.
	SentTexts []TextCall

	// Injected records every InjectContext call.
	Injected []ContextCall

	// ToolResults records every result passed to SendToolResult.
	ToolResults []s2s.ToolResult

	// SendErr, if non-nil, is returned by all send methods.
	SendErr error

	closeOnce sync.Once
}

// TextCall records one SendText invocation.
type TextCall struct {
	Text    string
	EndTurn bool
}

// ContextCall records one InjectContext invocation.
type ContextCall struct {
	Role string
	Text string
}

var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit pushes an inbound event into the session's event stream.
func (s *Session) Emit(ev s2s.Event) {
	s.events <- ev
}

// Terminate ends the session from the server side: latches err and closes the
// event channel.
func (s *Session) Terminate(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.SentAudio = append(s.SentAudio, frame)
	return nil
}

// SendText implements s2s.SessionHandle.
func (s *Session) SendText(text string, endTurn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.SentTexts = append(s.SentTexts, TextCall{Text: text, EndTurn: endTurn})
	return nil
}

// InjectContext implements s2s.SessionHandle.
func (s *Session) InjectContext(role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Injected = append(s.Injected, ContextCall{Role: role, Text: text})
	return nil
}

// SendToolResult implements s2s.SessionHandle.
func (s *Session) SendToolResult(results ...s2s.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.ToolResults = append(s.ToolResults, results...)
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements s2s.SessionHandle. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioCount returns how many frames were sent, safely.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// ToolResultFor returns the result recorded for the given invocation id.
func (s *Session) ToolResultFor(id string) (s2s.ToolResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ToolResults {
		if r.ID == id {
			return r, true
		}
	}
	return s2s.ToolResult{}, false
}
