// Package capture acquires microphone audio at 16 kHz mono and delivers it as
// normalized frames on a channel.
//
// The device callback runs on the audio backend's own thread, so it must never
// block. Incoming samples are pushed into an [Aggregator]; whenever the
// aggregator has accumulated at least the target frame size it emits everything
// it holds as one frame. If the consumer falls behind, emitted frames stay
// buffered in the pipeline rather than being dropped, and are flushed in order
// as soon as the channel drains.
package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/ElkanHub/coauthor/pkg/audio"
)

// DefaultTargetSamples is the default minimum number of samples per emitted
// frame. 2048 samples at 16 kHz is 128 ms of audio.
const DefaultTargetSamples = 2048

// Config holds capture pipeline settings.
type Config struct {
	// SampleRate of the capture device. Defaults to [audio.CaptureRate].
	SampleRate int

	// TargetSamples is the minimum emitted frame size in samples.
	// Defaults to [DefaultTargetSamples]. Emitted frames may be larger: the
	// aggregator flushes everything it has accumulated, never truncating.
	TargetSamples int

	// ChannelBuffer is the capacity of the frame channel. Defaults to 16.
	ChannelBuffer int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureRate
	}
	if c.TargetSamples <= 0 {
		c.TargetSamples = DefaultTargetSamples
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = 16
	}
}

// Aggregator accumulates capture samples and cuts them into frames of at least
// a target size. Not safe for concurrent use; the pipeline serialises access
// from the device callback.
type Aggregator struct {
	target     int
	sampleRate int
	pending    []float32
	emitted    int64 // total samples emitted, drives frame timestamps
}

// NewAggregator creates an aggregator emitting frames of at least target
// samples at the given rate.
func NewAggregator(target, sampleRate int) *Aggregator {
	return &Aggregator{target: target, sampleRate: sampleRate}
}

// Push appends samples and returns a frame if the target size is reached,
// or a zero frame otherwise. The returned frame holds everything accumulated
// so far, which may exceed the target.
func (a *Aggregator) Push(samples []float32) (audio.Frame, bool) {
	a.pending = append(a.pending, samples...)
	if len(a.pending) < a.target {
		return audio.Frame{}, false
	}
	return a.cut(), true
}

// Flush returns whatever is pending as a final short frame, or false if the
// aggregator is empty.
func (a *Aggregator) Flush() (audio.Frame, bool) {
	if len(a.pending) == 0 {
		return audio.Frame{}, false
	}
	return a.cut(), true
}

func (a *Aggregator) cut() audio.Frame {
	out := make([]float32, len(a.pending))
	copy(out, a.pending)
	a.pending = a.pending[:0]
	frame := audio.Frame{
		Samples:    out,
		SampleRate: a.sampleRate,
		Timestamp:  time.Duration(a.emitted) * time.Second / time.Duration(a.sampleRate),
	}
	a.emitted += int64(len(out))
	return frame
}

// Pipeline owns the malgo capture device and the frame channel.
// Create with [New], then call Start. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	actx     *malgo.AllocatedContext
	device   *malgo.Device
	agg      *Aggregator
	overflow []audio.Frame // frames the consumer has not accepted yet
	started  bool

	frames    chan audio.Frame
	closeOnce sync.Once
}

// New initialises the audio backend context. The device itself is not opened
// until Start is called.
func New(cfg Config) (*Pipeline, error) {
	cfg.applyDefaults()

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	actx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}

	return &Pipeline{
		cfg:    cfg,
		actx:   actx,
		agg:    NewAggregator(cfg.TargetSamples, cfg.SampleRate),
		frames: make(chan audio.Frame, cfg.ChannelBuffer),
	}, nil
}

// Frames returns the channel of captured frames, in capture order.
// The channel is closed when the pipeline stops.
func (p *Pipeline) Frames() <-chan audio.Frame {
	return p.frames
}

// Start opens the capture device and begins emitting frames.
// Returns an error if the pipeline is already started or the device cannot
// be opened.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("capture: pipeline already started")
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = audio.Channels
	deviceCfg.SampleRate = uint32(p.cfg.SampleRate)
	deviceCfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			p.onDeviceData(input)
		},
	}

	device, err := malgo.InitDevice(p.actx.Context, deviceCfg, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("capture: start device: %w", err)
	}

	p.device = device
	p.started = true
	slog.Debug("capture started",
		"sample_rate", p.cfg.SampleRate,
		"target_samples", p.cfg.TargetSamples,
	)
	return nil
}

// onDeviceData runs on the audio backend thread. It must not block: frames the
// consumer cannot accept right now are held in overflow and retried on the
// next callback.
func (p *Pipeline) onDeviceData(input []byte) {
	samples := audio.PCM16ToFloat(input)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}

	if frame, ok := p.agg.Push(samples); ok {
		p.overflow = append(p.overflow, frame)
	}
	p.drainOverflowLocked()
}

// drainOverflowLocked sends buffered frames without blocking, preserving order.
func (p *Pipeline) drainOverflowLocked() {
	for len(p.overflow) > 0 {
		select {
		case p.frames <- p.overflow[0]:
			p.overflow = p.overflow[1:]
		default:
			return
		}
	}
}

// Stop halts capture, flushes any partial frame, and closes the frame channel.
// Safe to call multiple times and safe to call before Start.
func (p *Pipeline) Stop() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		device := p.device
		p.device = nil
		p.started = false
		p.mu.Unlock()

		// Stop the device first so no callback races the final flush.
		if device != nil {
			if err := device.Stop(); err != nil {
				slog.Warn("capture: stop device", "err", err)
			}
			device.Uninit()
		}

		p.mu.Lock()
		if frame, ok := p.agg.Flush(); ok {
			p.overflow = append(p.overflow, frame)
		}
		overflow := p.overflow
		p.overflow = nil
		p.mu.Unlock()

		for _, frame := range overflow {
			select {
			case p.frames <- frame:
			default:
			}
		}
		close(p.frames)

		if err := p.actx.Uninit(); err != nil {
			slog.Warn("capture: uninit audio context", "err", err)
		}
		p.actx.Free()
	})
}
