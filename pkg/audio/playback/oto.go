package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ElkanHub/coauthor/pkg/audio"
)

// otoBufferBytes is the oto device buffer size. At 24 kHz mono int16,
// 4800 bytes is 100 ms, a reasonable tradeoff between latency and glitches.
const otoBufferBytes = 4800

// OtoSink plays frames through the system speaker via oto. Its device clock
// counts the audio the player has pulled, so Now tracks real playback within
// the device buffer's latency.
//
// The player is created lazily on the first write and torn down on Flush so
// stale device-buffered audio cannot bleed into the next utterance.
type OtoSink struct {
	ctx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	pulled  int64 // bytes handed to the player since the last flush
	playing bool
	closed  bool
}

var _ Sink = (*OtoSink)(nil)

// NewOtoSink initialises the speaker at the playback rate and returns a ready
// sink. It blocks until the audio backend is ready.
func NewOtoSink() (*OtoSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   audio.PlaybackRate,
		ChannelCount: audio.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferBytes,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("playback: init speaker: %w", err)
	}
	<-ready

	s := &OtoSink{ctx: ctx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write implements [Sink]. It converts the frame to int16 PCM and appends it
// to the player queue, starting the player on first use.
func (s *OtoSink) Write(frame audio.Frame) error {
	pcm := audio.FloatToPCM16(frame.Samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("playback: sink closed")
	}

	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.ctx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player. It blocks until data arrives
// or the sink is flushed or closed, then feeds PCM and advances the clock.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && s.playing && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		// Flushed or closed: emit silence so oto drains without popping.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.pulled += int64(n)
	return n, nil
}

// Flush implements [Sink]. It drops all queued audio, tears down the player to
// clear its internal buffer, and resets the device clock to zero.
func (s *OtoSink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.pulled = 0
	player := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		player.Reset()
		player.Close()
	}
}

// Now implements [Sink].
func (s *OtoSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.pulled / 2
	return time.Duration(samples) * time.Second / audio.PlaybackRate
}

// Close implements [Sink]. Safe to call once; the sink is unusable afterwards.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	s.closed = true
	player := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}
