// Package audio holds the in-memory sample buffer handed back to the host and
// the loaders that turn synthesized files into one.
package audio

const (
	PlaceholderSampleRate = 24000
	PlaceholderFrames     = 1000
)

// Buffer is a channel-major sample matrix: Samples[channel][frame], values in
// [-1, 1].
type Buffer struct {
	Samples    [][]float32
	SampleRate int
}

func (b Buffer) Channels() int { return len(b.Samples) }

func (b Buffer) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Silent returns the placeholder clip used when synthesis or decoding fails:
// one channel of 1000 zero samples at 24 kHz.
func Silent() Buffer {
	return Buffer{
		Samples:    [][]float32{make([]float32, PlaceholderFrames)},
		SampleRate: PlaceholderSampleRate,
	}
}

// Promote lifts a single-channel sample slice to the 2-D layout.
func Promote(mono []float32) [][]float32 {
	return [][]float32{mono}
}

// Deinterleave splits frame-interleaved samples into one slice per channel.
// Trailing samples that do not fill a whole frame are dropped.
func Deinterleave(interleaved []float32, channels int) [][]float32 {
	if channels <= 1 {
		return Promote(interleaved)
	}
	frames := len(interleaved) / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			out[ch][i] = interleaved[base+ch]
		}
	}
	return out
}
