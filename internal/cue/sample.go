// ABOUTME: PCM samples for audio-visual sync cues
// ABOUTME: Generates click bursts and decodes MP3 cue sounds to 16-bit stereo
package cue

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

const (
	// DefaultSampleRate is used for generated clicks.
	DefaultSampleRate = 48000
	// Channels is fixed: every sample is interleaved stereo.
	Channels = 2
)

// Sample is interleaved signed 16-bit little-endian stereo PCM.
type Sample struct {
	Rate int
	PCM  []byte
}

// Frames returns the number of stereo frames.
func (s Sample) Frames() int {
	return len(s.PCM) / (2 * Channels)
}

// Duration returns the playback length.
func (s Sample) Duration() time.Duration {
	if s.Rate == 0 {
		return 0
	}
	return time.Duration(float64(s.Frames()) / float64(s.Rate) * float64(time.Second))
}

// Click generates a sine burst with a raised-cosine envelope, so it has a
// sharp but click-free onset a microphone can pick up.
func Click(rate int, freq float64, dur time.Duration, gain float64) Sample {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	frames := int(dur.Seconds() * float64(rate))
	pcm := make([]byte, frames*2*Channels)

	for i := 0; i < frames; i++ {
		t := float64(i) / float64(rate)
		env := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(frames))
		v := int16(math.Sin(2*math.Pi*freq*t) * env * gain * 32767.0)

		binary.LittleEndian.PutUint16(pcm[i*4:], uint16(v))
		binary.LittleEndian.PutUint16(pcm[i*4+2:], uint16(v))
	}

	return Sample{Rate: rate, PCM: pcm}
}

// LoadMP3 decodes a whole MP3 stream. go-mp3 always yields 16-bit stereo.
func LoadMP3(r io.Reader) (Sample, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}

	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return Sample{}, fmt.Errorf("mp3 decode error: %w", err)
	}

	return Sample{Rate: decoder.SampleRate(), PCM: pcm}, nil
}

// Scaled returns a copy with gain applied and clipped to int16.
func (s Sample) Scaled(gain float64) Sample {
	out := make([]byte, len(s.PCM))
	for i := 0; i+1 < len(s.PCM); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(s.PCM[i:]))) * gain
		v = math.Max(math.Min(v, math.MaxInt16), math.MinInt16)
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return Sample{Rate: s.Rate, PCM: out}
}
