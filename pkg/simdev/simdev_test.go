package simdev

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/audiotransport"
	"github.com/drgolem/lavtools/pkg/codec"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualClock(t *testing.T) {
	c := NewVirtualClock(epoch)
	ctx := context.Background()

	require.NoError(t, c.Sleep(ctx, 40*time.Millisecond))
	assert.Equal(t, epoch.Add(40*time.Millisecond), c.Now())

	// never backwards
	require.NoError(t, c.SleepUntil(ctx, epoch))
	assert.Equal(t, epoch.Add(40*time.Millisecond), c.Now())

	done := make(chan error, 1)
	go func() { done <- c.WaitUntil(ctx, epoch.Add(time.Second)) }()

	select {
	case <-done:
		t.Fatal("WaitUntil returned before the clock moved")
	case <-time.After(10 * time.Millisecond):
	}
	require.NoError(t, c.SleepUntil(ctx, epoch.Add(2*time.Second)))
	require.NoError(t, <-done)
}

func TestWaitUntilHonorsContext(t *testing.T) {
	c := NewVirtualClock(epoch)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitUntil(ctx, epoch.Add(time.Hour)), context.DeadlineExceeded)
}

func TestOnAdvanceRunsBeforeClockMoves(t *testing.T) {
	ctx := context.Background()
	c := NewVirtualClock(epoch)
	var seen []time.Time
	remove := c.OnAdvance(func() { seen = append(seen, c.Now()) })

	require.NoError(t, c.Sleep(ctx, 40*time.Millisecond))
	require.NoError(t, c.SleepUntil(ctx, epoch), "not a move")
	require.NoError(t, c.Sleep(ctx, 40*time.Millisecond))
	assert.Equal(t, []time.Time{epoch, epoch.Add(40 * time.Millisecond)}, seen)

	remove()
	require.NoError(t, c.Sleep(ctx, time.Second))
	assert.Len(t, seen, 2)

	wall := NewRealClock()
	wall.OnAdvance(func() { t.Error("a real clock ran an advance hook") })
	require.NoError(t, wall.Sleep(ctx, time.Millisecond))
}

func openVideo(t *testing.T, cfg VideoConfig) (*Clock, *VideoDevice) {
	t.Helper()
	clock := NewVirtualClock(epoch)
	dev := NewVideoDevice(clock, cfg)
	_, err := dev.Open()
	require.NoError(t, err)
	for i := 0; i < cfg.Buffers; i++ {
		require.NoError(t, dev.Queue(i))
	}
	return clock, dev
}

func TestVideoDeliversInQueueOrder(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.Buffers = 3
	clock, dev := openVideo(t, cfg)

	for i := 0; i < 9; i++ {
		info, err := dev.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i%3, info.Index)
		assert.Equal(t, uint64(i+1), info.Sequence)
		assert.Equal(t, epoch.Add(time.Duration(i+1)*cfg.Period), info.Timestamp)
		assert.Equal(t, info.Timestamp, clock.Now())
		assert.Equal(t, codec.FrameSize(cfg.Width, cfg.Height), info.Length)
		assert.Equal(t, info.Sequence, FrameSequence(dev.Buffer(info.Index)))
		require.NoError(t, dev.Queue(info.Index))
	}
}

func TestVideoStallLosesFrames(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.Stalls = []Stall{{At: 200 * time.Millisecond, Duration: 200 * time.Millisecond}}
	_, dev := openVideo(t, cfg)

	var seqs []uint64
	for i := 0; i < 8; i++ {
		info, err := dev.Sync(context.Background())
		require.NoError(t, err)
		seqs = append(seqs, info.Sequence)
		require.NoError(t, dev.Queue(info.Index))
	}
	// frames completing at 200..360ms are lost
	assert.Equal(t, []uint64{1, 2, 3, 4, 10, 11, 12, 13}, seqs)
}

func TestVideoLateQueueLosesFrames(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.Buffers = 2
	clock, dev := openVideo(t, cfg)

	info, err := dev.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, clock.Sleep(context.Background(), 200*time.Millisecond))
	require.NoError(t, dev.Queue(info.Index))

	next, err := dev.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Sequence, "second buffer was queued in time")

	late, err := dev.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), late.Sequence, "frames 3-5 completed with no buffer queued")
}

func TestVideoJitterKeepsAverageRate(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.Jitter = 0.05
	_, dev := openVideo(t, cfg)

	var prev time.Time
	for i := 0; i < 250; i++ {
		info, err := dev.Sync(context.Background())
		require.NoError(t, err)
		if !prev.IsZero() {
			gap := info.Timestamp.Sub(prev)
			assert.InDelta(t, float64(cfg.Period), float64(gap), 0.11*float64(cfg.Period))
		}
		prev = info.Timestamp
		require.NoError(t, dev.Queue(info.Index))
	}
	assert.InDelta(t, float64(10*time.Second), float64(prev.Sub(epoch)), 0.05*float64(cfg.Period))
}

func TestVideoInterruptAndFailure(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.InterruptEvery = 2
	cfg.FailAt = 3
	_, dev := openVideo(t, cfg)
	ctx := context.Background()

	_, err := dev.Sync(ctx)
	require.NoError(t, err)
	_, err = dev.Sync(ctx)
	assert.ErrorIs(t, err, types.ErrInterrupted)
	_, err = dev.Sync(ctx)
	require.NoError(t, err)
	_, err = dev.Sync(ctx)
	assert.ErrorIs(t, err, types.ErrInterrupted)
	_, err = dev.Sync(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrInterrupted))
}

func TestVideoResetAndClose(t *testing.T) {
	cfg := DefaultVideoConfig()
	_, dev := openVideo(t, cfg)
	assert.Equal(t, cfg.Buffers, dev.Queued())

	require.NoError(t, dev.Reset())
	assert.Zero(t, dev.Queued())
	assert.Equal(t, 1, dev.Resets())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := dev.Sync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, dev.Close())
	assert.False(t, dev.Mapped())
}

func TestVideoMJPEG(t *testing.T) {
	cfg := DefaultVideoConfig()
	cfg.Format = framequeue.FormatMJPEG
	_, dev := openVideo(t, cfg)

	info, err := dev.Sync(context.Background())
	require.NoError(t, err)
	frame := dev.Buffer(info.Index)[:info.Length]
	_, w, h, err := codec.Decode(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Width, w)
	assert.Equal(t, cfg.Height, h)
}

func TestAudioSourcePacedByClock(t *testing.T) {
	clock := NewVirtualClock(epoch)
	src := NewAudioSource(clock, DefaultAudioConfig())
	buf := make([]byte, src.ChunkSize())
	require.Equal(t, 4096, src.ChunkSize())

	n, _, _, err := src.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing captured yet")

	// 2048 samples at 44100 Hz
	chunk := time.Duration(2048) * time.Second / 44100
	require.NoError(t, clock.Sleep(context.Background(), 2*chunk+time.Microsecond))

	var all []byte
	for {
		n, ts, valid, err := src.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		assert.True(t, valid)
		assert.False(t, ts.After(clock.Now()))
		all = append(all, buf[:n]...)
	}
	require.Len(t, all, 2*4096)
	for i := 0; i < 4096; i++ {
		require.Equal(t, uint16(i), SampleIndex(all, i))
	}
}

func TestAudioSourceSkew(t *testing.T) {
	cfg := DefaultAudioConfig()
	cfg.Skew = 0.02
	clock := NewVirtualClock(epoch)
	src := NewAudioSource(clock, cfg)
	buf := make([]byte, src.ChunkSize())

	require.NoError(t, clock.Sleep(context.Background(), 10*time.Second))
	for {
		n, _, _, err := src.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	samples := float64(src.Chunks() * 2048)
	assert.InDelta(t, 44100*10*1.02, samples, 2048)
}

func TestAudioSourceCorruptAndFail(t *testing.T) {
	cfg := DefaultAudioConfig()
	cfg.CorruptEvery = 2
	cfg.FailAfter = 3
	clock := NewVirtualClock(epoch)
	src := NewAudioSource(clock, cfg)
	buf := make([]byte, src.ChunkSize())
	require.NoError(t, clock.Sleep(context.Background(), time.Second))

	var valid []bool
	var err error
	for {
		var n int
		var ok bool
		n, _, ok, err = src.Read(buf)
		if err != nil || n == 0 {
			break
		}
		valid = append(valid, ok)
	}
	require.Error(t, err)
	assert.Equal(t, []bool{true, false, true}, valid)
}

func TestAudioDeviceThroughTransport(t *testing.T) {
	clock := NewVirtualClock(epoch)
	dev := NewAudioDevice(clock, DefaultAudioConfig())
	cfg := audiotransport.DefaultConfig(audiotransport.Capture)
	tr := audiotransport.New(cfg, dev)
	require.NoError(t, tr.Init(context.Background()))
	defer tr.Shutdown()

	require.NoError(t, clock.Sleep(context.Background(), 500*time.Millisecond))

	buf := make([]byte, tr.ChunkSize())
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < 10 && time.Now().Before(deadline) {
		n, ts, valid, err := tr.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		assert.True(t, valid)
		assert.False(t, ts.IsZero())
		assert.Equal(t, uint16(got*2048), SampleIndex(buf, 0))
		got++
	}
	assert.Equal(t, 10, got, "500ms hold ten 46ms chunks")
}

func TestVirtualAudioDevicePlaysBackToBack(t *testing.T) {
	clock := NewVirtualClock(epoch)
	dev := NewAudioDevice(clock, DefaultAudioConfig())
	require.NoError(t, dev.Open(audiotransport.Format{Channels: 1, SampleBits: 16, SampleRate: 44100, ChunkSize: 882}))

	chunk := make([]byte, 882) // 10ms
	for i := 1; i <= 3; i++ {
		end, err := dev.WriteChunk(chunk)
		require.NoError(t, err)
		assert.Equal(t, epoch.Add(time.Duration(i)*10*time.Millisecond), end)
	}
	assert.Equal(t, epoch, clock.Now(), "writes do not wait for the clock")

	require.NoError(t, clock.Sleep(context.Background(), time.Second))
	end, err := dev.WriteChunk(chunk)
	require.NoError(t, err, "no underrun under a virtual clock")
	assert.Equal(t, epoch.Add(40*time.Millisecond), end)
	assert.Zero(t, dev.Underruns())
}

func TestSettledPlaybackThroughTransport(t *testing.T) {
	clock := NewVirtualClock(epoch)
	dev := NewAudioDevice(clock, DefaultAudioConfig())
	tr := audiotransport.New(audiotransport.DefaultConfig(audiotransport.Playback), dev)
	require.NoError(t, tr.Init(context.Background()))
	defer tr.Shutdown()
	defer clock.OnAdvance(tr.Settle)()

	data := make([]byte, 5*tr.ChunkSize())
	_, err := tr.Write(data)
	require.NoError(t, err)
	tr.Start()

	// The first move hands every written chunk to the card.
	require.NoError(t, clock.Sleep(context.Background(), time.Millisecond))
	ts, out, failed := tr.OutputStatus()
	assert.Equal(t, uint64(5), out)
	assert.Zero(t, failed)
	chunkDur := time.Duration(tr.ChunkSize()) * time.Second / 88200
	assert.Equal(t, epoch.Add(5*chunkDur), ts)
	assert.Len(t, dev.Played(), len(data))
}

func TestAudioDevicePlayback(t *testing.T) {
	clock := NewRealClock()
	dev := NewAudioDevice(clock, DefaultAudioConfig())
	require.NoError(t, dev.Open(audiotransport.Format{Channels: 1, SampleBits: 16, SampleRate: 44100, ChunkSize: 882}))

	chunk := make([]byte, 882) // 10ms
	_, err := dev.WriteChunk(chunk)
	require.NoError(t, err)
	_, err = dev.WriteChunk(chunk)
	require.NoError(t, err, "written back to back")

	time.Sleep(30 * time.Millisecond)
	_, err = dev.WriteChunk(chunk)
	assert.ErrorIs(t, err, audiotransport.ErrUnderrun)
	assert.Equal(t, uint64(1), dev.Underruns())
	assert.Len(t, dev.Played(), 3*882)

	require.NoError(t, dev.Close())
	_, err = dev.WriteChunk(chunk)
	assert.ErrorIs(t, err, audiotransport.ErrDeviceClosed)
}
