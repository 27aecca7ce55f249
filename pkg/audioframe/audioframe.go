// Package audioframe holds the audio that plays during one video frame.
package audioframe

import (
	"fmt"

	"github.com/drgolem/lavtools/pkg/types"
)

type FrameFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int // 8 or 16
}

// BytesPerSample returns the size of one sample frame (all channels).
func (f FrameFormat) BytesPerSample() int {
	return f.Channels * f.BitsPerSample / 8
}

// AudioFrame is the interleaved PCM of one video frame. Audio is reused
// between frames; its length is SamplesCount*BytesPerSample.
type AudioFrame struct {
	Format       FrameFormat
	SamplesCount int
	Audio        []byte // Raw audio data (last field for better memory layout)
}

// New returns a frame able to hold the longest frame of norm at f.
func New(f FrameFormat, norm types.VideoNorm) *AudioFrame {
	maxSamples := int(norm.SamplesAt(1, f.SampleRate)) + 1
	return &AudioFrame{
		Format: f,
		Audio:  make([]byte, 0, maxSamples*f.BytesPerSample()),
	}
}

// Span returns the first sample and the sample count of video frame n.
// Frame boundaries are rounded down, so consecutive frames tile the track
// without gaps or overlap.
func Span(n int, norm types.VideoNorm, rate int) (first, count int) {
	start := norm.SamplesAt(uint64(n), rate)
	end := norm.SamplesAt(uint64(n+1), rate)
	return int(start), int(end - start)
}

// Cut fills the frame with the samples of video frame n from track. Samples
// past the end of track are silence.
func (af *AudioFrame) Cut(track []byte, n int, norm types.VideoNorm) error {
	if n < 0 {
		return fmt.Errorf("audio frame %d out of range", n)
	}
	bps := af.Format.BytesPerSample()
	if bps <= 0 {
		return fmt.Errorf("invalid audio format: %d channels, %d bits",
			af.Format.Channels, af.Format.BitsPerSample)
	}

	first, count := Span(n, norm, af.Format.SampleRate)
	size := count * bps
	if cap(af.Audio) < size {
		af.Audio = make([]byte, 0, size)
	}
	af.Audio = af.Audio[:size]
	af.SamplesCount = count

	from := first * bps
	copied := 0
	if from < len(track) {
		copied = copy(af.Audio, track[from:])
	}
	af.fill(copied)
	return nil
}

// Silence replaces the samples with silence of the same length.
func (af *AudioFrame) Silence() {
	af.fill(0)
}

func (af *AudioFrame) fill(from int) {
	var zero byte
	if af.Format.BitsPerSample == 8 {
		zero = 0x80 // unsigned 8-bit
	}
	for i := from; i < len(af.Audio); i++ {
		af.Audio[i] = zero
	}
}

// Reverse reverses the order of the sample frames, keeping the channels of
// each sample frame together.
func (af *AudioFrame) Reverse() {
	bps := af.Format.BytesPerSample()
	if bps <= 0 {
		return
	}
	var tmp [16]byte
	n := len(af.Audio) / bps
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		a := af.Audio[i*bps : (i+1)*bps]
		b := af.Audio[j*bps : (j+1)*bps]
		copy(tmp[:bps], a)
		copy(a, b)
		copy(b, tmp[:bps])
	}
}
