// Package audio provides the PCM frame types and codec utilities shared by the
// capture and playback pipelines.
//
// Two fixed formats flow through the engine and they are never mixed:
// microphone capture is 16 kHz mono and model playback is 24 kHz mono. There is
// no resampling layer; a frame keeps the rate it was produced with, and
// consumers that receive the wrong rate reject the frame rather than convert it.
package audio

import (
	"math"
	"time"
)

const (
	// CaptureRate is the sample rate of microphone input sent to the model.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of synthesised audio received from the model.
	PlaybackRate = 24000

	// Channels is the channel count for both directions. Everything is mono.
	Channels = 1
)

// Frame is a chunk of normalized mono PCM audio. Samples are float values in
// [-1, 1]; anything outside that range is clamped at the wire boundary.
// Frames are the atomic unit of audio transport in the engine.
type Frame struct {
	// Samples holds the normalized mono samples.
	Samples []float32

	// SampleRate in Hz. Either [CaptureRate] or [PlaybackRate].
	SampleRate int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its sample rate.
// Returns zero for an empty frame or an unset sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Samples) == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square energy of the frame in [0, 1].
// Used to drive input volume meters.
func (f Frame) RMS() float64 {
	if len(f.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(f.Samples)))
}
