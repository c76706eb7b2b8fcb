// Package s2s defines the contract for speech-to-speech streaming backends.
//
// An s2s provider wraps a real-time duplex voice service: raw audio goes up,
// synthesised audio, transcription, and tool calls come back over a single
// stateful session. The central abstraction is [SessionHandle], whose receive
// side is one ordered event stream: the session classifies wire frames into
// [Event] values and never runs handlers inline, so consumers control all
// dispatch.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"

	"github.com/ElkanHub/coauthor/pkg/audio"
)

// EventType discriminates the variants of an inbound [Event].
type EventType int

const (
	// EventAudio carries a playback-rate audio frame from the model.
	EventAudio EventType = iota

	// EventToolCall carries one or more tool invocations requested by the model.
	EventToolCall

	// EventInterrupted signals the model detected the user speaking over it.
	// All queued playback for the current response must be discarded.
	EventInterrupted

	// EventTurnComplete signals the model finished its current response turn.
	EventTurnComplete

	// EventTranscription carries a transcript fragment for either direction.
	EventTranscription

	// EventOther carries a frame the session recognised as valid but does not
	// model. The raw payload is preserved for logging.
	EventOther
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventToolCall:
		return "tool_call"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscription:
		return "transcription"
	case EventOther:
		return "other"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the session, already parsed and
// classified. Only the fields matching Type are populated.
type Event struct {
	Type EventType

	// Audio is set for EventAudio.
	Audio audio.Frame

	// ToolCalls is set for EventToolCall.
	ToolCalls []ToolInvocation

	// Transcript is set for EventTranscription.
	Transcript Transcript

	// Raw is set for EventOther.
	Raw json.RawMessage
}

// ToolInvocation is a single tool call requested by the model. The ID
// correlates the invocation with the [ToolResult] sent back; every invocation
// must produce exactly one result.
type ToolInvocation struct {
	// ID is the provider-assigned correlation id.
	ID string

	// Name is the tool name as declared in the session config.
	Name string

	// Args is the JSON-encoded argument object.
	Args json.RawMessage
}

// ToolResult is the response to one [ToolInvocation].
type ToolResult struct {
	// ID echoes the invocation id.
	ID string

	// Name echoes the tool name.
	Name string

	// Response is the JSON-encoded result object. Tool failures are encoded
	// here as an error payload rather than dropped, so the model always
	// receives a response.
	Response json.RawMessage
}

// Transcript is a fragment of recognised or generated speech text.
type Transcript struct {
	// Role is "user" for recognised input speech, "model" for generated output.
	Role string

	// Text is the transcript fragment.
	Text string
}

// ToolDefinition declares one tool offered to the model at session setup.
type ToolDefinition struct {
	// Name is the unique tool identifier.
	Name string

	// Description tells the model when to call the tool.
	Description string

	// Parameters is the JSON Schema of the argument object. May be nil for
	// tools without arguments.
	Parameters json.RawMessage
}

// SessionConfig is the initial configuration for a new session. It is sent in
// the setup handshake before any audio or text may flow.
type SessionConfig struct {
	// Voice selects the prebuilt voice for synthesised output.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Tools is the set of tools offered to the model.
	Tools []ToolDefinition

	// TranscribeInput enables transcription of the user's speech.
	TranscribeInput bool

	// TranscribeOutput enables transcription of the model's speech.
	TranscribeOutput bool
}

// SessionHandle is an open duplex session. The send methods must return
// quickly; the receive side is the Events channel, which carries messages in
// wire arrival order and is closed when the session ends.
//
// Callers must call Close when the session is no longer needed. Close is
// idempotent.
type SessionHandle interface {
	// SendAudio delivers one capture-rate frame to the model.
	// Returns an error if the session is closed or the write fails.
	SendAudio(frame audio.Frame) error

	// SendText injects typed text as user content. When endTurn is true the
	// model is told the user's turn is finished and may respond immediately.
	SendText(text string, endTurn bool) error

	// InjectContext adds background text under the given role without
	// completing the user's turn.
	InjectContext(role, text string) error

	// SendToolResult returns tool results to the model.
	SendToolResult(results ...ToolResult) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session terminates; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a clean
	// close. Valid once Events is closed.
	Err() error

	// Close tears the session down. Safe to call multiple times.
	Close() error
}

// Provider opens sessions against one backend service.
type Provider interface {
	// Name identifies the backend, e.g. "gemini-live".
	Name() string

	// OpenSession dials the service and completes the setup handshake.
	// The returned handle is live; its Events channel is ready to drain.
	OpenSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
