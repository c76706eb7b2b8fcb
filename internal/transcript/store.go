// Package transcript records what was said during a session, both the user's
// recognised speech and the model's spoken responses.
//
// Fragments arrive incrementally from the wire; the dispatcher appends them
// as they come, tagged with the turn they belong to. The default store keeps
// everything in memory; [PostgresStore] persists entries for later review.
package transcript

import (
	"context"
	"sync"
	"time"
)

// Entry is one transcript fragment.
type Entry struct {
	// SessionID identifies the session the fragment belongs to.
	SessionID string

	// Role is "user" or "model".
	Role string

	// Text is the fragment text.
	Text string

	// Turn is the response turn the fragment belongs to, starting at 0.
	Turn int

	// Timestamp is when the fragment was recorded.
	Timestamp time.Time
}

// Store persists transcript entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append writes one entry.
	Append(ctx context.Context, entry Entry) error

	// Recent returns the most recent entries for a session, oldest first,
	// up to limit. A limit of zero means no cap.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// MemoryStore is an in-process Store. The zero value is ready to use.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

// Append implements [Store].
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Recent implements [Store].
func (m *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
