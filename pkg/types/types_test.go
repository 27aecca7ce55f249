package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatTimecode(t *testing.T) {
	tests := []struct {
		frames uint64
		norm   VideoNorm
		want   string
	}{
		{0, NormPAL, "0.00.00:00"},
		{24, NormPAL, "0.00.00:24"},
		{25, NormPAL, "0.00.01:00"},
		{25 * 3661, NormPAL, "1.01.01:00"},
		{31, NormNTSC, "0.00.01:01"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTimecode(tt.frames, tt.norm))
		})
	}
}

func TestNormPeriods(t *testing.T) {
	assert.InDelta(t, 0.04, NormPAL.SecondsPerFrame(), 1e-12)
	assert.InDelta(t, 1001.0/30000.0, NormNTSC.SecondsPerFrame(), 1e-12)
	assert.InDelta(t, 1.0, NormNTSC.SecondsPerFrame()*NormNTSC.FPS(), 1e-12)
}

func TestSamplesAt(t *testing.T) {
	assert.Equal(t, uint64(44100), NormPAL.SamplesAt(25, 44100))
	assert.Equal(t, uint64(1764), NormPAL.SamplesAt(1, 44100))
	assert.Equal(t, uint64(48048), NormNTSC.SamplesAt(30, 48000))
	assert.Equal(t, uint64(1601), NormNTSC.SamplesAt(1, 48000))
}

func TestDiskFullIsResourceExhausted(t *testing.T) {
	err := fmt.Errorf("open rec01.lav: %w", ErrDiskFull)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.NotErrorIs(t, ErrResourceExhausted, ErrDiskFull)
}

func TestAudioTaskErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("init: %w", &AudioTaskError{Msg: "cannot open /dev/dsp"})

	assert.True(t, errors.Is(err, ErrAudioTask))
	var taskErr *AudioTaskError
	assert.True(t, errors.As(err, &taskErr))
	assert.Equal(t, "cannot open /dev/dsp", taskErr.Msg)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "state(7)", State(7).String())
}
