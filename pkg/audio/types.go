package audio

import (
	"fmt"
	"time"
)

// Discord voice expects 48 kHz stereo PCM in 20 ms frames.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// FrameBytes is the size of one s16le stereo frame in bytes.
	FrameBytes = FrameSamples * Channels * 2 // 3840
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// VoiceFormat is the PCM format every [Connection] accepts natively.
var VoiceFormat = Format{SampleRate: SampleRate, Channels: Channels}

// AudioFrame is a single frame of PCM audio flowing to a transport.
type AudioFrame struct {
	// Data is little-endian int16 interleaved PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the offset of this frame from the start of the track.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
