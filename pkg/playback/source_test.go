package playback

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/lavfile"
	"github.com/drgolem/lavtools/pkg/types"
)

func TestNormOf(t *testing.T) {
	assert.Equal(t, types.NormPAL, NormOf(25))
	assert.Equal(t, types.NormNTSC, NormOf(29.97))
	assert.Equal(t, types.NormPAL, NormOf(0))
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource(recording(4, true))
	assert.Equal(t, 4, src.NumFrames())
	assert.Equal(t, types.NormPAL, src.Norm())

	frame, err := src.ReadFrame(2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, frameNumbers([][]byte{frame}))
	_, err = src.ReadFrame(4, nil)
	assert.Error(t, err)

	format, ok := src.AudioFormat()
	require.True(t, ok)
	assert.Equal(t, audioframe.FrameFormat{SampleRate: 44100, Channels: 1, BitsPerSample: 16}, format)

	af := audioframe.New(format, src.Norm())
	require.NoError(t, src.ReadAudio(3, af))
	assert.Equal(t, samplesPerFrame, af.SamplesCount)
	assert.Equal(t, uint16(3*samplesPerFrame), binary.LittleEndian.Uint16(af.Audio))

	_, ok = NewMemorySource(recording(4, false)).AudioFormat()
	assert.False(t, ok)
}

func TestFileSource(t *testing.T) {
	const frames = 6
	path := filepath.Join(t.TempDir(), "clip.lav")
	rec := recording(frames, true)

	w, err := lavfile.Create(path, rec.Params, uuid.New())
	require.NoError(t, err)
	for i, f := range rec.Frames {
		require.NoError(t, w.WriteVideoFrame(f, 1))
		chunk := rec.Audio[i*samplesPerFrame*2 : (i+1)*samplesPerFrame*2]
		require.NoError(t, w.WriteAudio(chunk, samplesPerFrame))
	}
	require.NoError(t, w.Close())

	src, err := OpenFile(path, "")
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, frames, src.NumFrames())
	assert.Equal(t, types.NormPAL, src.Norm())
	assert.Equal(t, 44100, src.Params().AudioRate)

	frame, err := src.ReadFrame(5, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, frameNumbers([][]byte{frame}))

	format, ok := src.AudioFormat()
	require.True(t, ok)
	af := audioframe.New(format, src.Norm())
	require.NoError(t, src.ReadAudio(2, af))
	require.Equal(t, samplesPerFrame, af.SamplesCount)
	for s := 0; s < samplesPerFrame; s += 97 {
		assert.Equal(t, uint16(2*samplesPerFrame+s), binary.LittleEndian.Uint16(af.Audio[s*2:]))
	}
}

func TestFileSourceWithoutAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.lav")
	rec := recording(2, false)
	w, err := lavfile.Create(path, rec.Params, uuid.New())
	require.NoError(t, err)
	require.NoError(t, w.WriteVideoFrame(rec.Frames[0], 2))
	require.NoError(t, w.Close())

	src, err := OpenFile(path, "")
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 2, src.NumFrames(), "repeats count as frames")
	_, ok := src.AudioFormat()
	assert.False(t, ok)
	assert.Error(t, src.ReadAudio(0, audioframe.New(audioframe.FrameFormat{SampleRate: 44100, Channels: 1, BitsPerSample: 16}, types.NormPAL)))
}

func TestOpenFileMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "nope.lav"), "")
	assert.Error(t, err)
}
