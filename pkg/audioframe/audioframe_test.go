package audioframe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/types"
)

func indexTrack(samples, channels int) []byte {
	buf := make([]byte, samples*channels*2)
	for s := 0; s < samples; s++ {
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[(s*channels+c)*2:], uint16(s))
		}
	}
	return buf
}

func sample(af *AudioFrame, i int) uint16 {
	return binary.LittleEndian.Uint16(af.Audio[i*af.Format.BytesPerSample():])
}

func TestSpanTilesTrack(t *testing.T) {
	tests := []struct {
		name string
		norm types.VideoNorm
		rate int
	}{
		{"pal 44100", types.NormPAL, 44100},
		{"pal 48000", types.NormPAL, 48000},
		{"ntsc 48000", types.NormNTSC, 48000},
		{"ntsc 44100", types.NormNTSC, 44100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := 0
			for n := 0; n < 300; n++ {
				first, count := Span(n, tt.norm, tt.rate)
				require.Equal(t, next, first, "frame %d", n)
				next = first + count
			}
			assert.Equal(t, int(tt.norm.SamplesAt(300, tt.rate)), next)
		})
	}
}

func TestCut(t *testing.T) {
	f := FrameFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	af := New(f, types.NormPAL)
	track := indexTrack(5000, 2)

	require.NoError(t, af.Cut(track, 1, types.NormPAL))
	assert.Equal(t, 1764, af.SamplesCount)
	assert.Len(t, af.Audio, 1764*4)
	assert.Equal(t, uint16(1764), sample(af, 0))
	assert.Equal(t, uint16(3527), sample(af, 1763))

	// frame 2 runs past the end of the track
	require.NoError(t, af.Cut(track, 2, types.NormPAL))
	assert.Equal(t, uint16(4999), sample(af, 5000-2*1764-1))
	assert.Equal(t, uint16(0), sample(af, 5000-2*1764))
	assert.Equal(t, uint16(0), sample(af, 1763))

	assert.Error(t, af.Cut(track, -1, types.NormPAL))
}

func TestSilence(t *testing.T) {
	tests := []struct {
		bits int
		want byte
	}{
		{16, 0},
		{8, 0x80},
	}

	for _, tt := range tests {
		af := &AudioFrame{
			Format: FrameFormat{SampleRate: 8000, Channels: 1, BitsPerSample: tt.bits},
			Audio:  []byte{1, 2, 3, 4},
		}
		af.Silence()
		for _, b := range af.Audio {
			assert.Equal(t, tt.want, b)
		}
	}
}

func TestReverseKeepsChannelsTogether(t *testing.T) {
	f := FrameFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	af := New(f, types.NormPAL)
	require.NoError(t, af.Cut(indexTrack(4000, 2), 0, types.NormPAL))

	af.Reverse()
	for i := 0; i < af.SamplesCount; i++ {
		off := i * 4
		left := binary.LittleEndian.Uint16(af.Audio[off:])
		right := binary.LittleEndian.Uint16(af.Audio[off+2:])
		require.Equal(t, uint16(1763-i), left)
		require.Equal(t, left, right)
	}
}

func TestReverseOddLength(t *testing.T) {
	af := &AudioFrame{
		Format: FrameFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 8},
		Audio:  []byte{1, 2, 3, 4, 5},
	}
	af.Reverse()
	assert.Equal(t, []byte{5, 4, 3, 2, 1}, af.Audio)
}
