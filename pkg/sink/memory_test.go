package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	o := NewMemoryOpener()
	p := Params{Width: 8, Height: 8, FPS: 25, AudioBits: 16, Channels: 2, AudioRate: 44100}
	require.True(t, p.HasAudio())
	assert.Equal(t, 4, p.BytesPerSample())

	s, err := o.Open("a.avi", p)
	require.NoError(t, err)
	require.NoError(t, s.WriteVideoFrame([]byte{1, 2}, 3))
	require.NoError(t, s.WriteAudio(make([]byte, 40), 10))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteAudio(nil, 0), ErrClosed)
	assert.Equal(t, -1, s.Fileno())

	files := o.Files()
	require.Len(t, files, 1)
	assert.Len(t, files[0].Frames, 3)
	assert.Equal(t, 10, files[0].Samples)
	assert.Len(t, files[0].Audio, 40)
	assert.True(t, files[0].Closed)
}

func TestMemoryOpenerFailures(t *testing.T) {
	o := NewMemoryOpener()
	o.FailOpen = map[string]bool{"bad.avi": true}
	o.FailWriteAfter = 2

	_, err := o.Open("bad.avi", Params{})
	assert.Error(t, err)

	s, err := o.Open("good.avi", Params{})
	require.NoError(t, err)
	require.NoError(t, s.WriteVideoFrame([]byte{1}, 1))
	assert.Error(t, s.WriteVideoFrame([]byte{1}, 1))

	require.NoError(t, o.Remove("good.avi"))
	assert.True(t, o.Files()[0].Removed)
	assert.False(t, Params{}.HasAudio())
}
