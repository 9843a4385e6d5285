// Package clip is the in-memory audio source cache. A [Clip] is decoded once
// from a named file into 48 kHz stereo PCM and is immutable afterwards; any
// number of independent playback cursors ([Handle]) can be cut from it
// without touching the file or the decoder again.
package clip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/simonhull/audiometa"

	"github.com/MrWong99/bloombot/pkg/audio"
)

// ErrLoad matches every error returned by [Load], [LoadFS] and [Decode].
var ErrLoad = errors.New("clip: resource load failed")

// LoadError reports why a named audio resource could not be turned into a
// [Clip]. It matches both [ErrLoad] and the underlying cause via errors.Is.
type LoadError struct {
	// Name is the resource name passed to the loader.
	Name string

	// Err is the underlying cause (I/O, unsupported container, decoder error).
	Err error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("clip: load %q: %v", e.Name, e.Err)
}

// Unwrap exposes both [ErrLoad] and the cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrLoad, e.Err}
}

// resampleQuality is the beep resampler quality (1..64).
const resampleQuality = 4

// renderChunk is the number of stereo samples pulled from a decoder per call.
const renderChunk = 4096

// bytesPerSecond of the cached PCM representation.
const bytesPerSecond = audio.SampleRate * audio.Channels * 2

// Meta describes where a clip came from.
type Meta struct {
	// Name is the resource name the clip was loaded from.
	Name string

	// Container is the detected file format, e.g. "mp3" or "wav".
	Container string

	// Source is the sample rate and channel count of the encoded resource.
	Source audio.Format

	// Duration is the playback length of the decoded clip.
	Duration time.Duration
}

// Clip is an immutable, decoded audio resource. It is safe for concurrent
// use; all handles share its buffer read-only.
type Clip struct {
	meta Meta
	pcm  []byte
}

// Meta returns the clip's metadata.
func (c *Clip) Meta() Meta { return c.meta }

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration { return c.meta.Duration }

// Frames returns the number of 20 ms frames a full playback produces.
func (c *Clip) Frames() int {
	return (len(c.pcm) + audio.FrameBytes - 1) / audio.FrameBytes
}

// NewHandle returns a fresh playback cursor positioned at the start of the
// clip. Handles are independent: starting, pausing or stopping one never
// affects another.
func (c *Clip) NewHandle() *Handle {
	return newHandle(c)
}

// Load reads the named file from the local filesystem and decodes it.
func Load(name string) (*Clip, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return Decode(name, data)
}

// LoadFS reads name from fsys and decodes it.
func LoadFS(fsys fs.FS, name string) (*Clip, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return Decode(name, data)
}

// Decode turns the raw bytes of an encoded audio resource into a [Clip].
// The container is detected from the magic bytes, falling back to the file
// extension of name.
func Decode(name string, data []byte) (*Clip, error) {
	container, err := detect(name, data)
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	streamer, format, err := container.decode(bytes.NewReader(data))
	if err != nil {
		return nil, &LoadError{Name: name, Err: fmt.Errorf("decode %s: %w", container.name, err)}
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if int(format.SampleRate) != audio.SampleRate {
		s = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(audio.SampleRate), s)
	}

	pcm, err := render(s, format.SampleRate.N(time.Second))
	if err != nil {
		return nil, &LoadError{Name: name, Err: fmt.Errorf("decode %s: %w", container.name, err)}
	}
	if len(pcm) == 0 {
		return nil, &LoadError{Name: name, Err: errors.New("resource contains no audio samples")}
	}

	return &Clip{
		meta: Meta{
			Name:      name,
			Container: container.name,
			Source:    audio.Format{SampleRate: int(format.SampleRate), Channels: format.NumChannels},
			Duration:  time.Duration(len(pcm)) * time.Second / bytesPerSecond,
		},
		pcm: pcm,
	}, nil
}

// decodeFunc adapts the beep decoders to a common signature.
type decodeFunc func(r *bytes.Reader) (beep.StreamSeekCloser, beep.Format, error)

type container struct {
	name   string
	decode decodeFunc
}

var containers = map[audiometa.Format]container{
	audiometa.FormatMP3: {name: "mp3", decode: func(r *bytes.Reader) (beep.StreamSeekCloser, beep.Format, error) {
		return mp3.Decode(io.NopCloser(r))
	}},
	audiometa.FormatWAV: {name: "wav", decode: func(r *bytes.Reader) (beep.StreamSeekCloser, beep.Format, error) {
		return wav.Decode(r)
	}},
	audiometa.FormatOgg: {name: "ogg", decode: func(r *bytes.Reader) (beep.StreamSeekCloser, beep.Format, error) {
		return vorbis.Decode(io.NopCloser(r))
	}},
	audiometa.FormatFLAC: {name: "flac", decode: func(r *bytes.Reader) (beep.StreamSeekCloser, beep.Format, error) {
		return flac.Decode(r)
	}},
}

var extensions = map[string]audiometa.Format{
	".mp3":  audiometa.FormatMP3,
	".wav":  audiometa.FormatWAV,
	".ogg":  audiometa.FormatOgg,
	".oga":  audiometa.FormatOgg,
	".flac": audiometa.FormatFLAC,
}

// detect picks the decoder for data.
func detect(name string, data []byte) (container, error) {
	format, err := audiometa.DetectFormat(bytes.NewReader(data), int64(len(data)), name)
	if err != nil || format == audiometa.FormatUnknown {
		ext := strings.ToLower(filepath.Ext(name))
		byExt, ok := extensions[ext]
		if !ok {
			if err == nil {
				err = errors.New("unknown container")
			}
			return container{}, fmt.Errorf("unsupported audio format: %w", err)
		}
		format = byExt
	}
	c, ok := containers[format]
	if !ok {
		return container{}, fmt.Errorf("unsupported audio container %v", format.Extensions())
	}
	return c, nil
}

// render drains s into little-endian int16 stereo PCM. sizeHint is the
// expected number of samples per second of source audio and only used to
// pre-size the buffer.
func render(s beep.Streamer, sizeHint int) ([]byte, error) {
	pcm := make([]byte, 0, sizeHint*4)
	buf := make([][2]float64, renderChunk)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			l, r := toInt16(frame[0]), toInt16(frame[1])
			pcm = append(pcm, byte(l), byte(l>>8), byte(r), byte(r>>8))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return pcm, nil
}

func toInt16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
