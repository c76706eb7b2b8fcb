package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// FloatToPCM16 converts normalized float samples to little-endian int16 PCM.
// Samples are clamped to [-1, 1], scaled by 0x8000 and rounded to the nearest
// step; +1 saturates at 0x7FFF so the value fits int16. Rounding keeps the
// round trip through [PCM16ToFloat] within half a quantization step for every
// sample below full scale.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		v := int(math.Round(float64(s) * 0x8000))
		if v > 0x7FFF {
			v = 0x7FFF
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// PCM16ToFloat converts little-endian int16 PCM bytes to normalized float
// samples by dividing by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// EncodeWire converts a frame's samples to int16 PCM and encodes them as
// standard base64, the payload format of a realtimeInput media chunk.
func EncodeWire(f Frame) string {
	return base64.StdEncoding.EncodeToString(FloatToPCM16(f.Samples))
}

// DecodeWire decodes a base64 int16 PCM payload into a normalized frame at the
// given sample rate. Returns an error if the payload is not valid base64.
func DecodeWire(data string, sampleRate int) (Frame, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: decode wire payload: %w", err)
	}
	return Frame{Samples: PCM16ToFloat(pcm), SampleRate: sampleRate}, nil
}

// MimeType returns the media chunk MIME type for raw PCM at the given rate,
// e.g. "audio/pcm;rate=16000".
func MimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
