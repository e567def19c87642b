package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

func init() {
	ffmpeg.LogCompiledCommand = false
}

// Format identifies a container the loader understands.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatUnknown Format = ""
)

// DecodeError reports a file that was written but could not be turned into a
// sample buffer.
type DecodeError struct {
	Path   string
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	format := string(e.Format)
	if format == "" {
		format = "unknown format"
	}
	return fmt.Sprintf("decode %s (%s): %v", filepath.Base(e.Path), format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TranscodeFunc converts src into a 16-bit PCM WAV file at dst.
type TranscodeFunc func(src, dst string) error

// Loader reads synthesized audio files. Containers without a native Go
// decoder (Ogg Opus/Vorbis) go through Transcode first.
type Loader struct {
	Transcode TranscodeFunc
}

// NewLoader returns a loader that shells out to ffmpeg for Ogg input.
func NewLoader() *Loader {
	return &Loader{Transcode: TranscodeFFmpeg}
}

// Load is NewLoader().Load.
func Load(path string) (Buffer, error) {
	return NewLoader().Load(path)
}

// Load decodes the file at path. The format is sniffed from the leading bytes
// and falls back to the file extension.
func (l *Loader) Load(path string) (Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Buffer{}, &DecodeError{Path: path, Err: err}
	}
	format := Sniff(data)
	if format == FormatUnknown {
		format = formatFromExt(path)
	}

	var buf Buffer
	switch format {
	case FormatWAV:
		buf, err = decodeWAV(bytes.NewReader(data))
	case FormatMP3:
		buf, err = decodeMP3(bytes.NewReader(data))
	case FormatOGG:
		buf, err = l.decodeTranscoded(path)
	default:
		err = errors.New("unrecognised audio container")
	}
	if err != nil {
		return Buffer{}, &DecodeError{Path: path, Format: format, Err: err}
	}
	if buf.Frames() == 0 {
		return Buffer{}, &DecodeError{Path: path, Format: format, Err: errors.New("no samples")}
	}
	return buf, nil
}

// Sniff inspects magic bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return FormatOGG
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	return FormatUnknown
}

func formatFromExt(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".ogg", ".opus":
		return FormatOGG
	}
	return FormatUnknown
}

func decodeWAV(r io.ReadSeeker) (Buffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Buffer{}, errors.New("invalid wav header")
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("read pcm: %w", err)
	}
	channels := int(d.NumChans)
	if channels <= 0 {
		return Buffer{}, errors.New("wav declares no channels")
	}
	return Buffer{
		Samples:    Deinterleave(normalise(pcm, int(d.BitDepth)), channels),
		SampleRate: int(d.SampleRate),
	}, nil
}

func normalise(pcm *goaudio.IntBuffer, bitDepth int) []float32 {
	out := make([]float32, len(pcm.Data))
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		for i, v := range pcm.Data {
			out[i] = float32(v-128) / 128
		}
		return out
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for i, v := range pcm.Data {
		out[i] = float32(v) / scale
	}
	return out
}

// go-mp3 always yields 16-bit little-endian stereo.
func decodeMP3(r io.Reader) (Buffer, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return Buffer{}, err
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return Buffer{}, fmt.Errorf("read mp3 frames: %w", err)
	}
	const channels = 2
	interleaved := make([]float32, len(raw)/2)
	for i := range interleaved {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		interleaved[i] = float32(s) / 32768
	}
	return Buffer{
		Samples:    Deinterleave(interleaved, channels),
		SampleRate: d.SampleRate(),
	}, nil
}

func (l *Loader) decodeTranscoded(path string) (Buffer, error) {
	if l.Transcode == nil {
		return Buffer{}, errors.New("no transcoder configured")
	}
	dir, err := os.MkdirTemp("", "loqa-speech-decode-*")
	if err != nil {
		return Buffer{}, err
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "decoded.wav")
	if err := l.Transcode(path, out); err != nil {
		return Buffer{}, fmt.Errorf("transcode: %w", err)
	}
	f, err := os.Open(out)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()
	return decodeWAV(f)
}

// TranscodeFFmpeg converts src to 16-bit PCM WAV using the ffmpeg binary.
func TranscodeFFmpeg(src, dst string) error {
	return ffmpeg.Input(src).
		Output(dst, ffmpeg.KwArgs{
			"loglevel": "quiet",
			"f":        "wav",
			"acodec":   "pcm_s16le",
		}).
		OverWriteOutput().
		Run()
}
