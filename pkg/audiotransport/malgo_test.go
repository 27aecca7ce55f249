package audiotransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestMalgoStagingOverflowFlagsChunk(t *testing.T) {
	d := NewMalgoDevice(-1)
	d.StagingSize = 8
	d.reset(Format{Channels: 1, SampleBits: 16, SampleRate: 8000})
	defer d.Close()

	d.stage(block(1, 4))
	d.stage(block(2, 4))
	d.stage(block(3, 4)) // staging full, dropped
	d.stage(block(3, 4)) // same gap
	assert.Equal(t, uint64(2), d.Overruns())

	buf := make([]byte, 4)
	_, err := d.ReadChunk(buf)
	require.NoError(t, err)
	assert.Equal(t, block(1, 4), buf)

	_, err = d.ReadChunk(buf)
	require.NoError(t, err, "the gap lies after this chunk")
	assert.Equal(t, block(2, 4), buf)

	d.stage(block(4, 4))
	ts, err := d.ReadChunk(buf)
	assert.ErrorIs(t, err, ErrOverrun)
	assert.False(t, ts.IsZero())
	assert.Equal(t, block(4, 4), buf, "the chunk after the gap is still delivered")

	d.stage(block(5, 4))
	_, err = d.ReadChunk(buf)
	require.NoError(t, err, "one gap flags one chunk")
	assert.Equal(t, block(5, 4), buf)
}

func TestMalgoGapInsideChunk(t *testing.T) {
	d := NewMalgoDevice(-1)
	d.StagingSize = 8
	d.reset(Format{Channels: 1, SampleBits: 16, SampleRate: 8000})
	defer d.Close()

	d.stage(block(1, 2))
	d.stage(block(2, 8)) // does not fit behind the first block
	d.stage(block(3, 2))

	buf := make([]byte, 4)
	_, err := d.ReadChunk(buf)
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Equal(t, []byte{1, 1, 3, 3}, buf)
}
