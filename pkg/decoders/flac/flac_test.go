package flac

import (
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	goflac "github.com/drgolem/go-flac/flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/types"
)

// writeTrack encodes samples sample frames whose values are their own index.
func writeTrack(t *testing.T, rate, channels, samples int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.flac")
	pcm := make([]int32, samples*channels)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < channels; ch++ {
			pcm[i*channels+ch] = int32(int16(uint16(i)))
		}
	}

	enc, err := goflac.NewFlacEncoder(rate, channels, 16)
	require.NoError(t, err)
	defer enc.Close()
	require.NoError(t, enc.SetTotalSamplesEstimate(int64(samples)))
	require.NoError(t, enc.InitFile(path))
	require.NoError(t, enc.ProcessInterleaved(pcm, samples))
	require.NoError(t, enc.Finish())
	return path
}

func TestFormatBeforeOpen(t *testing.T) {
	d := NewDecoder()
	rate, channels, bits := d.GetFormat()
	assert.Zero(t, rate)
	assert.Zero(t, channels)
	assert.Zero(t, bits)
	assert.Zero(t, d.Samples())
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDecoder()
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}

func TestUseWithoutOpen(t *testing.T) {
	d := NewDecoder()
	_, err := d.DecodeSamples(256, make([]byte, 1024))
	assert.Error(t, err)
	assert.Error(t, d.SeekFrame(0, types.NormPAL))
}

func TestOpenMissingFile(t *testing.T) {
	d := NewDecoder()
	assert.Error(t, d.Open("/nonexistent/track.flac"))
	assert.NoError(t, d.Close())
}

func TestOpenRejectsSurround(t *testing.T) {
	path := writeTrack(t, 48000, 6, 4800)
	d := NewDecoder()
	assert.ErrorIs(t, d.Open(path), types.ErrConfiguration)
}

func TestSeekFrame(t *testing.T) {
	const perFrame = 48000 * 1001 / 30000 // 1601 samples per NTSC frame, rounded down
	path := writeTrack(t, 48000, 2, 30*perFrame+30)

	d := NewDecoder()
	require.NoError(t, d.Open(path))
	defer d.Close()

	assert.Equal(t, audioframe.FrameFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}, d.Format())
	assert.Equal(t, int64(30*perFrame+30), d.Samples())

	first, count := audioframe.Span(12, types.NormNTSC, 48000)
	require.NoError(t, d.SeekFrame(12, types.NormNTSC))
	buf := make([]byte, count*4)
	n, err := d.DecodeSamples(count, buf)
	require.NoError(t, err)
	require.Equal(t, count, n)
	assert.Equal(t, uint16(first), binary.LittleEndian.Uint16(buf[0:]))
	assert.Equal(t, uint16(first), binary.LittleEndian.Uint16(buf[2:]), "right channel")
	assert.Equal(t, uint16(first+count-1), binary.LittleEndian.Uint16(buf[len(buf)-2:]))

	assert.Error(t, d.SeekFrame(31, types.NormNTSC), "past the end")
	assert.ErrorIs(t, d.SeekFrame(-1, types.NormNTSC), types.ErrConfiguration)
}

func TestDecodeSamplesFitsBuffer(t *testing.T) {
	path := writeTrack(t, 8000, 1, 100)
	d := NewDecoder()
	require.NoError(t, d.Open(path))
	defer d.Close()

	buf := make([]byte, 41) // room for 20 samples
	n, err := d.DecodeSamples(1000, buf)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, uint16(19), binary.LittleEndian.Uint16(buf[38:]))

	total := n
	big := make([]byte, 400)
	for {
		n, err = d.DecodeSamples(200, big)
		total += n
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, 100, total)
}
