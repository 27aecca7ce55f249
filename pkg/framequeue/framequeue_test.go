package framequeue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/lavtools/pkg/types"
)

// fakeDevice completes queued buffers in order.
type fakeDevice struct {
	count int
	bufs  [][]byte
	queue chan int
	seq   atomic.Uint64

	mu         sync.Mutex
	interrupts int // next Sync calls that report an interruption
	failSync   bool
	hold       chan struct{} // when set, Sync blocks until closed
	closed     bool
	queueCalls int
}

func newFakeDevice(count int) *fakeDevice {
	d := &fakeDevice{count: count, queue: make(chan int, count)}
	for i := 0; i < count; i++ {
		d.bufs = append(d.bufs, make([]byte, 16))
	}
	return d
}

func (d *fakeDevice) Open() (BufferInfo, error) {
	return BufferInfo{Count: d.count, Size: 16}, nil
}

func (d *fakeDevice) Queue(index int) error {
	d.mu.Lock()
	d.queueCalls++
	d.mu.Unlock()
	d.queue <- index
	return nil
}

func (d *fakeDevice) Sync(ctx context.Context) (SyncInfo, error) {
	d.mu.Lock()
	hold := d.hold
	if d.interrupts > 0 {
		d.interrupts--
		d.mu.Unlock()
		return SyncInfo{}, types.ErrInterrupted
	}
	fail := d.failSync
	d.mu.Unlock()

	if fail {
		return SyncInfo{}, errors.New("i/o error")
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return SyncInfo{}, ctx.Err()
		}
	}

	select {
	case idx := <-d.queue:
		seq := d.seq.Add(1)
		d.bufs[idx][0] = byte(seq)
		return SyncInfo{Index: idx, Length: 16, Sequence: seq, Timestamp: time.Unix(int64(seq), 0)}, nil
	case <-ctx.Done():
		return SyncInfo{}, ctx.Err()
	}
}

func (d *fakeDevice) Buffer(index int) []byte { return d.bufs[index] }
func (d *fakeDevice) Format() DataFormat       { return FormatYUV420 }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func TestOpenRejectsTooFewBuffers(t *testing.T) {
	fq := New(newFakeDevice(1), DefaultConfig())
	_, err := fq.Open()
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestDirectSyncAndRelease(t *testing.T) {
	dev := newFakeDevice(4)
	rec := NewTraceRecorder()
	cfg := DefaultConfig()
	cfg.Tracer = rec
	fq := New(dev, cfg)

	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))
	assert.Equal(t, 4, fq.InFlight())

	for i := 0; i < 10; i++ {
		info, err := fq.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i%4, info.Index)
		assert.Equal(t, uint64(i+1), info.Sequence)
		assert.Equal(t, 3, fq.InFlight())
		require.NoError(t, fq.Release(info.Index))
		assert.Equal(t, 4, fq.InFlight())
	}

	require.NoError(t, fq.Close())
	assert.True(t, dev.closed)
	assert.Empty(t, rec.Violations())
	assert.Empty(t, rec.Leaked())
	assert.Equal(t,
		[]BufferState{StateQueued, StateFilled, StateCompleted, StateFree, StateQueued,
			StateFilled, StateCompleted, StateFree, StateQueued, StateFilled,
			StateCompleted, StateFree, StateQueued, StateCompleted, StateFree},
		rec.History(0))
}

func TestQueueRejectsBadIndex(t *testing.T) {
	fq := New(newFakeDevice(2), DefaultConfig())
	_, err := fq.Open()
	require.NoError(t, err)

	assert.ErrorIs(t, fq.Queue(2), types.ErrConfiguration)
	assert.ErrorIs(t, fq.Release(-1), types.ErrConfiguration)
}

func TestThreadedSyncInOrder(t *testing.T) {
	dev := newFakeDevice(4)
	rec := NewTraceRecorder()
	cfg := DefaultConfig()
	cfg.Threaded = true
	cfg.Tracer = rec
	fq := New(dev, cfg)

	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))

	// Release from other goroutines with random delays, as encoder workers do.
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		info, err := fq.Sync(context.Background())
		require.NoError(t, err)
		require.Equal(t, i%4, info.Index)
		require.Equal(t, uint64(i+1), info.Sequence)

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
			assert.NoError(t, fq.Release(idx))
		}(info.Index)
		// Releases are ordered per index by the caller in real use.
		wg.Wait()
	}

	require.NoError(t, fq.Close())
	assert.Empty(t, rec.Violations())
	assert.Empty(t, rec.Leaked())
}

func TestRetriesInterruptedSync(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		t.Run(fmt.Sprintf("threaded=%v", threaded), func(t *testing.T) {
			dev := newFakeDevice(3)
			dev.interrupts = 2
			cfg := DefaultConfig()
			cfg.Threaded = threaded
			fq := New(dev, cfg)

			_, err := fq.Open()
			require.NoError(t, err)
			require.NoError(t, fq.Start(context.Background()))
			defer fq.Close()

			info, err := fq.Sync(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, info.Index)
		})
	}
}

func TestThreadedSyncFailureWakesCaller(t *testing.T) {
	dev := newFakeDevice(3)
	dev.failSync = true
	cfg := DefaultConfig()
	cfg.Threaded = true
	fq := New(dev, cfg)

	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))
	defer fq.Close()

	_, err = fq.Sync(context.Background())
	assert.ErrorIs(t, err, types.ErrDevice)
}

func TestStopDuringStalledSync(t *testing.T) {
	dev := newFakeDevice(3)
	dev.hold = make(chan struct{})
	rec := NewTraceRecorder()
	cfg := DefaultConfig()
	cfg.Threaded = true
	cfg.DrainTimeout = 50 * time.Millisecond
	cfg.Tracer = rec
	fq := New(dev, cfg)

	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := fq.Sync(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	require.NoError(t, fq.Close())
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-errCh:
		assert.True(t, IsStopped(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Sync did not return after Close")
	}
	assert.Empty(t, rec.Violations())
	assert.Empty(t, rec.Leaked())
}

func TestStopDrainsQueuedBuffers(t *testing.T) {
	dev := newFakeDevice(4)
	cfg := DefaultConfig()
	cfg.Threaded = true
	fq := New(dev, cfg)

	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))

	info, err := fq.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, fq.Release(info.Index))

	fq.Stop()
	assert.Zero(t, fq.InFlight(), "every queued buffer was synced before the worker exited")
	require.NoError(t, fq.Close())
}

func TestSyncHonorsContext(t *testing.T) {
	dev := newFakeDevice(2)
	dev.hold = make(chan struct{})
	fq := New(dev, DefaultConfig())
	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fq.Sync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, fq.Close())
}

func TestTraceRecorderFlagsSkippedCompletion(t *testing.T) {
	rec := NewTraceRecorder()
	rec.Transition(1, StateQueued)
	rec.Transition(1, StateFilled)
	rec.Transition(1, StateQueued)

	require.Len(t, rec.Violations(), 1)
	assert.Contains(t, rec.Violations()[0], "filled -> queued")
	assert.Equal(t, []int{1}, rec.Leaked())
}

func TestDataFormat(t *testing.T) {
	tests := []struct {
		f          DataFormat
		name       string
		compressed bool
	}{
		{FormatMJPEG, "mjpeg", true},
		{FormatYUV420, "yuv420", false},
		{FormatDV, "dv", true},
		{FormatRaw, "raw", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.f.String())
		assert.Equal(t, tt.compressed, tt.f.Compressed())
	}
}

// resettingDevice cancels its queue on Reset.
type resettingDevice struct {
	*fakeDevice
	resets int
}

func (d *resettingDevice) Reset() error {
	d.resets++
	for {
		select {
		case <-d.queue:
		default:
			return nil
		}
	}
}

func TestRestartAfterStop(t *testing.T) {
	tests := []struct {
		name     string
		threaded bool
	}{
		{"direct", false},
		{"threaded", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &resettingDevice{fakeDevice: newFakeDevice(4)}
			rec := NewTraceRecorder()
			cfg := DefaultConfig()
			cfg.Threaded = tt.threaded
			cfg.Tracer = rec
			fq := New(dev, cfg)

			_, err := fq.Open()
			require.NoError(t, err)

			for run := 0; run < 3; run++ {
				require.NoError(t, fq.Start(context.Background()))
				for i := 0; i < 6; i++ {
					info, err := fq.Sync(context.Background())
					require.NoError(t, err)
					require.Equal(t, i%4, info.Index, "run %d starts again at buffer 0", run)
					require.NoError(t, fq.Release(info.Index))
				}
				fq.Stop()
				assert.Zero(t, fq.InFlight())
			}

			require.NoError(t, fq.Close())
			assert.Empty(t, rec.Violations())
			assert.Empty(t, rec.Leaked())
			if !tt.threaded {
				assert.Equal(t, 3, dev.resets)
			}
		})
	}
}

func TestRestartRefusedWhileBuffersQueued(t *testing.T) {
	fq := New(newFakeDevice(2), DefaultConfig())
	_, err := fq.Open()
	require.NoError(t, err)
	require.NoError(t, fq.Start(context.Background()))

	fq.Stop()
	assert.ErrorIs(t, fq.Start(context.Background()), types.ErrDevice)
	require.NoError(t, fq.Close())
}
