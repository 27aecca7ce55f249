package cmd

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/capture"
	"github.com/drgolem/lavtools/pkg/decoders"
	"github.com/drgolem/lavtools/pkg/lavfile"
	"github.com/drgolem/lavtools/pkg/playback"
	"github.com/drgolem/lavtools/pkg/sink"
	"github.com/drgolem/lavtools/pkg/types"
)

func TestParseNorm(t *testing.T) {
	tests := []struct {
		in   string
		want types.VideoNorm
		ok   bool
	}{
		{"pal", types.NormPAL, true},
		{"PAL", types.NormPAL, true},
		{"n", types.NormNTSC, true},
		{"ntsc", types.NormNTSC, true},
		{"secam", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseNorm(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, types.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := parseMode("offscreen")
	require.NoError(t, err)
	assert.Equal(t, playback.HardwareOffscreen, m)
	m, err = parseMode("h")
	require.NoError(t, err)
	assert.Equal(t, playback.HardwareOnscreen, m)
	_, err = parseMode("overlay")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func setRecordFlags(t *testing.T) {
	t.Helper()
	recNorm, recFormat, recOutput = "pal", "a", "rec%03d.lav"
	recQuality, recWorkers = 50, 1
	recSync, recTimeLapse = capture.SyncAudioAV, 1
	recSingleFrame = false
	recAudioBits, recRate, recStereo = 16, 44100, false
	recTime = 0
}

func TestRecordConfig(t *testing.T) {
	setRecordFlags(t)
	recNorm = "ntsc"
	recTime = 90 * time.Second
	recStereo = true

	cfg, err := recordConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, types.NormNTSC, cfg.Norm)
	assert.Equal(t, byte('a'), cfg.Format)
	assert.Equal(t, "rec%03d.lav", cfg.OutputPattern)
	assert.Equal(t, 90*time.Second, cfg.RecordTime)
	assert.True(t, cfg.Stereo)
	assert.True(t, cfg.HasAudio())
}

func TestRecordConfigTimeLapseDropsAudio(t *testing.T) {
	setRecordFlags(t)
	recTimeLapse = 25

	cfg, err := recordConfig([]string{"a.lav"})
	require.NoError(t, err)
	assert.False(t, cfg.HasAudio())
	assert.Equal(t, []string{"a.lav"}, cfg.Files)
}

func TestRecordConfigRejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func()
		files []string
	}{
		{"no output", func() { recOutput = "" }, nil},
		{"bad norm", func() { recNorm = "x" }, nil},
		{"long format", func() { recFormat = "lav" }, nil},
		{"sync level", func() { recSync = 3 }, nil},
		{"audio bits", func() { recAudioBits = 24 }, nil},
		{"jpeg with audio", func() { recFormat = "j" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRecordFlags(t)
			tt.setup()
			_, err := recordConfig(tt.files)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestPlayConfig(t *testing.T) {
	playMode, playSpeed, playAudioMask = "software", -2, playback.AudioReverse|playback.AudioFast
	playNoSync, playSkipFrames, playInsert = true, false, true
	playStopTimeout = time.Second

	cfg, err := playConfig()
	require.NoError(t, err)
	assert.Equal(t, playback.SoftwareDecode, cfg.Mode)
	assert.Equal(t, -2, cfg.Speed)
	assert.False(t, cfg.SyncCorrection)
	assert.False(t, cfg.SyncSkipFrames)
	assert.True(t, cfg.SyncInsertFrames)

	playAudioMask = 16
	_, err = playConfig()
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestCaptureStatusLine(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := types.CaptureStats{
		Frames:      25*3661 + 7,
		Lost:        3,
		Inserted:    2,
		Deleted:     1,
		AudioErrors: 4,
		TDiff1:      0.0123,
		TDiff2:      -0.004,
		PrevSync:    at,
		CurSync:     at.Add(40 * time.Millisecond),
	}
	assert.Equal(t, "1.01.01:07 int: 00040 lst:   3 ins:  2 del:  1 ae:  4 td1=0.012 td2=-0.004",
		captureStatusLine(st, types.NormPAL))
}

func TestPlaybackStatusLine(t *testing.T) {
	st := types.PlaybackStats{Frame: 30, Speed: 1, CorrsA: 2, CorrsB: 5, TDiff: 0.01, Norm: types.NormNTSC}
	assert.Equal(t, "0.00.01:00   1    2/5      0.0100 off", playbackStatusLine(st))

	st.Audio, st.AudioBuffers, st.AudioErrors = true, 120, 1
	assert.Contains(t, playbackStatusLine(st), "120/1")
}

func indexTrack(samples, channels int) *decoders.Track {
	data := make([]byte, samples*channels*2)
	for i := 0; i < samples; i++ {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(data[(i*channels+ch)*2:], uint16(i))
		}
	}
	return &decoders.Track{Data: data, Rate: 44100, Channels: channels, BitsPerSample: 16}
}

func TestConvertToMono16Bit(t *testing.T) {
	stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(stereo[0:], uint16(100))
	binary.LittleEndian.PutUint16(stereo[2:], uint16(300))
	neg := int16(-1000)
	binary.LittleEndian.PutUint16(stereo[4:], uint16(neg))
	binary.LittleEndian.PutUint16(stereo[6:], 0)

	mono := convertToMono16Bit(stereo, 2)
	require.Len(t, mono, 4)
	assert.Equal(t, int16(200), int16(binary.LittleEndian.Uint16(mono[0:])))
	assert.Equal(t, int16(-500), int16(binary.LittleEndian.Uint16(mono[2:])))
}

func TestWriteWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	track := indexTrack(1000, 1)
	require.NoError(t, writeWAVFile(path, track))

	got, err := decoders.Load(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 44100, got.Rate)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, track.Data, got.Data)
}

func TestAudioTrackOf(t *testing.T) {
	dir := t.TempDir()

	path, norm, err := audioTrackOf("music.flac")
	require.NoError(t, err)
	assert.Equal(t, "music.flac", path)
	assert.Equal(t, types.NormPAL, norm)

	params := sink.Params{Format: 'a', Width: 16, Height: 16, FPS: 29.97, AudioBits: 16, Channels: 1, AudioRate: 44100}
	withAudio := filepath.Join(dir, "a.lav")
	w, err := lavfile.Create(withAudio, params, uuid.New())
	require.NoError(t, err)
	require.NoError(t, w.WriteVideoFrame([]byte{0xff, 0xd8}, 1))
	require.NoError(t, w.WriteAudio(make([]byte, 2*1471), 1471))
	require.NoError(t, w.Close())

	path, norm, err = audioTrackOf(withAudio)
	require.NoError(t, err)
	assert.Equal(t, lavfile.AudioPath(withAudio), path)
	assert.Equal(t, types.NormNTSC, norm)

	params.AudioBits, params.Channels, params.AudioRate = 0, 0, 0
	silent := filepath.Join(dir, "b.lav")
	w, err = lavfile.Create(silent, params, uuid.New())
	require.NoError(t, err)
	require.NoError(t, w.WriteVideoFrame([]byte{0xff, 0xd8}, 1))
	require.NoError(t, w.Close())

	_, _, err = audioTrackOf(silent)
	assert.Error(t, err)
}
