// Package playback schedules model audio onto a speaker sink with a small
// jitter buffer and tracks whether the agent is audibly speaking.
//
// Frames arrive from the network in bursts. The engine schedules each frame at
// max(device clock now, next scheduled time) and advances the schedule by the
// frame's duration, so bursts queue up back to back while a starved queue
// resumes immediately. Speaking turns true the moment a frame is scheduled and
// turns false only once the device clock has caught up with the end of the
// last scheduled frame.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ElkanHub/coauthor/pkg/audio"
)

// Sink is the device output the engine schedules onto. The engine writes
// frames in play order; the sink plays them back to back and reports its own
// clock. Implementations must be safe for concurrent use.
type Sink interface {
	// Write appends a frame to the device queue.
	Write(frame audio.Frame) error

	// Flush discards everything queued on the device and resets its clock to
	// zero. Used on interruption.
	Flush()

	// Now returns the device clock: how much audio has been played since the
	// sink started or was last flushed.
	Now() time.Duration

	// Close releases the device. The sink is unusable afterwards.
	Close() error
}

// speakingPollInterval is how often the engine checks whether the device clock
// has caught up with the schedule.
const speakingPollInterval = 50 * time.Millisecond

// speakingLead is the tolerance subtracted from the last scheduled end when
// deciding that speech has finished, so the flag does not flap on clock jitter.
const speakingLead = 20 * time.Millisecond

// Engine is the jitter-buffered playback scheduler.
// Create with [New]; all exported methods are safe for concurrent use.
type Engine struct {
	sink Sink

	mu       sync.Mutex
	next     time.Duration // schedule position for the next frame
	lastEnd  time.Duration // end of the last scheduled frame
	speaking bool
	closed   bool

	onSpeaking func(bool)

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSpeakingHandler registers a callback fired on every speaking state
// change. The callback runs outside the engine's lock but must still return
// quickly; it is called from the scheduling and polling goroutines.
func WithSpeakingHandler(fn func(speaking bool)) Option {
	return func(e *Engine) { e.onSpeaking = fn }
}

// New creates an engine over sink and starts the speaking-state poller.
func New(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		sink: sink,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.pollLoop()
	return e
}

// Enqueue schedules a frame for playback. Frames must be playback-rate mono;
// anything else is rejected so a capture frame can never reach the speaker.
func (e *Engine) Enqueue(frame audio.Frame) error {
	if frame.SampleRate != audio.PlaybackRate {
		return fmt.Errorf("playback: frame rate %d, want %d", frame.SampleRate, audio.PlaybackRate)
	}
	if len(frame.Samples) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("playback: engine closed")
	}

	start := e.sink.Now()
	if e.next > start {
		start = e.next
	}
	e.next = start + frame.Duration()
	e.lastEnd = e.next

	wasSpeaking := e.speaking
	e.speaking = true
	e.mu.Unlock()

	if err := e.sink.Write(frame); err != nil {
		return fmt.Errorf("playback: write to sink: %w", err)
	}
	if !wasSpeaking {
		e.notifySpeaking(true)
	}
	return nil
}

// Interrupt discards all scheduled audio and silences the engine immediately.
// The schedule resets so the next frame starts at the device clock.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.next = 0
	e.lastEnd = 0
	wasSpeaking := e.speaking
	e.speaking = false
	e.mu.Unlock()

	e.sink.Flush()
	slog.Debug("playback interrupted")
	if wasSpeaking {
		e.notifySpeaking(false)
	}
}

// Speaking reports whether scheduled audio is still playing.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// BufferedDuration returns how much scheduled audio the device has not yet
// played. Zero when the engine is idle.
func (e *Engine) BufferedDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.speaking {
		return 0
	}
	now := e.sink.Now()
	if e.lastEnd <= now {
		return 0
	}
	return e.lastEnd - now
}

// Close stops the poller and closes the sink. Safe to call multiple times.
// If audio was still audible the speaking handler is notified of the stop,
// same as on Interrupt.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		wasSpeaking := e.speaking
		e.speaking = false
		e.mu.Unlock()
		close(e.done)
		e.wg.Wait()
		if wasSpeaking {
			e.notifySpeaking(false)
		}
		err = e.sink.Close()
	})
	return err
}

// pollLoop clears the speaking flag once the device clock reaches the end of
// the last scheduled frame.
func (e *Engine) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(speakingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			finished := e.speaking && e.sink.Now() >= e.lastEnd-speakingLead
			if finished {
				e.speaking = false
			}
			e.mu.Unlock()
			if finished {
				e.notifySpeaking(false)
			}
		}
	}
}

func (e *Engine) notifySpeaking(speaking bool) {
	if e.onSpeaking != nil {
		e.onSpeaking(speaking)
	}
}
