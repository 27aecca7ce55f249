package audiotransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/audioring"
	"github.com/drgolem/lavtools/pkg/types"
)

const (
	taskStarting int32 = 0
	taskRunning  int32 = 1
	taskFailed   int32 = -1
)

// Transport moves audio between a device task and a non-blocking client
// through a shared slot ring.
//
// Thread Safety Model:
//   - The audio task goroutine is the only caller of the device
//   - Read, Write and OutputStatus belong to one client goroutine
//   - Init and Shutdown must not race with each other
type Transport struct {
	cfg    Config
	format Format
	dev    Device
	ring   *audioring.Ring

	slotDur time.Duration

	status  atomic.Int32
	taskErr atomic.Pointer[string]
	exit    atomic.Bool
	startCh chan struct{}
	start   sync.Once
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	overruns atomic.Uint64

	// client side
	lastTs      time.Time
	leftover    []byte
	leftoverLen int
	outBuffers  uint64
	outErrors   uint64
	outTs       time.Time
}

// New creates a transport for dev; Init must be called before use.
func New(cfg Config, dev Device) *Transport {
	return &Transport{cfg: cfg, dev: dev}
}

// Init validates the format, starts the audio task and waits for it to report
// ready or failure. The wait polls every PollInterval for at most MaxPolls.
func (t *Transport) Init(ctx context.Context) error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	switch t.cfg.Direction {
	case Capture:
		if _, ok := t.dev.(CaptureDevice); !ok {
			return fmt.Errorf("%w: device cannot capture", types.ErrConfiguration)
		}
	case Playback:
		if _, ok := t.dev.(PlaybackDevice); !ok {
			return fmt.Errorf("%w: device cannot play", types.ErrConfiguration)
		}
	}

	slots := t.cfg.Slots
	if slots == 0 {
		slots = defaultSlots
	}
	pollEvery := t.cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = pollInterval
	}
	polls := t.cfg.MaxPolls
	if polls <= 0 {
		polls = maxPolls
	}

	t.format = Format{
		Channels:     t.cfg.channels(),
		SampleBits:   t.cfg.SampleBits,
		SampleRate:   t.cfg.SampleRate,
		UseReadWrite: t.cfg.UseReadWrite,
	}
	t.format.ChunkSize = ChunkSizeFor(t.format.ByteRate())
	t.slotDur = SlotDuration(t.format.ChunkSize, t.format.ByteRate())
	t.ring = audioring.New(slots, t.format.ChunkSize)
	t.leftover = make([]byte, t.format.ChunkSize)
	t.leftoverLen = 0
	t.lastTs = time.Time{}
	t.outBuffers, t.outErrors, t.outTs = 0, 0, time.Time{}
	t.exit.Store(false)
	t.status.Store(taskStarting)
	t.taskErr.Store(nil)
	t.startCh = make(chan struct{})
	t.start = sync.Once{}
	t.done = make(chan struct{})
	t.stop = sync.Once{}

	logrus.WithFields(logrus.Fields{
		"function":    "Init",
		"direction":   t.cfg.Direction.String(),
		"channels":    t.format.Channels,
		"sample_bits": t.format.SampleBits,
		"sample_rate": t.format.SampleRate,
		"chunk_size":  t.format.ChunkSize,
		"slots":       t.ring.Size(),
	}).Debug("Starting audio task")

	t.wg.Add(1)
	go t.task()

	for i := 0; i < polls; i++ {
		switch t.status.Load() {
		case taskRunning:
			if t.cfg.Direction == Capture {
				t.Start()
			}
			return nil
		case taskFailed:
			t.wg.Wait()
			return t.failure()
		}

		select {
		case <-ctx.Done():
			t.Shutdown()
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}

	t.Shutdown()
	return fmt.Errorf("%w: timeout waiting for audio task", types.ErrAudioTask)
}

func (t *Transport) failure() error {
	msg := "unknown failure"
	if p := t.taskErr.Load(); p != nil {
		msg = *p
	}
	return &types.AudioTaskError{Msg: msg}
}

func (t *Transport) fail(err error) {
	msg := err.Error()
	t.taskErr.Store(&msg)
	t.status.Store(taskFailed)
}

// task is the audio I/O goroutine; it owns the device.
func (t *Transport) task() {
	defer t.wg.Done()
	defer t.ring.Close()

	if err := t.dev.Open(t.format); err != nil {
		t.fail(fmt.Errorf("open device: %w", err))
		return
	}
	t.status.Store(taskRunning)

	select {
	case <-t.startCh:
	case <-t.done:
		return
	}

	if t.cfg.Direction == Capture {
		t.captureLoop()
	} else {
		t.playbackLoop()
	}
}

func (t *Transport) captureLoop() {
	dev := t.dev.(CaptureDevice)
	buf := make([]byte, t.format.ChunkSize)
	lostData := false

	for !t.exit.Load() {
		ts, err := dev.ReadChunk(buf)
		gap := errors.Is(err, ErrOverrun)
		if err != nil && !gap {
			if t.exit.Load() {
				return
			}
			t.fail(fmt.Errorf("read device: %w", err))
			return
		}

		status := audioring.StatusValid
		if lostData || gap {
			status = audioring.StatusCorrupted
		}
		if err := t.ring.Produce(buf, status, ts); err != nil {
			// The client is not keeping up; the chunk is dropped and the next
			// one is flagged so the gap is visible.
			t.overruns.Add(1)
			lostData = true
			continue
		}
		lostData = false
	}
}

func (t *Transport) playbackLoop() {
	dev := t.dev.(PlaybackDevice)

	for {
		idx, data, ok := t.ring.Acquire()
		if !ok {
			return
		}

		ts, err := dev.WriteChunk(data)
		status := audioring.StatusValid
		if err != nil {
			if !errors.Is(err, ErrUnderrun) {
				if !t.exit.Load() {
					t.fail(fmt.Errorf("write device: %w", err))
				}
				t.ring.Complete(idx, audioring.StatusCorrupted, ts)
				return
			}
			status = audioring.StatusCorrupted
		}
		t.ring.Complete(idx, status, ts)
	}
}

// Start lets a playback task begin consuming. Capture transports start at Init.
func (t *Transport) Start() {
	t.start.Do(func() { close(t.startCh) })
}

// Settle blocks until the playback task has written every committed chunk
// to the device. It returns at once for capture, before Start and once the
// task has exited.
func (t *Transport) Settle() {
	if t.ring == nil || t.cfg.Direction != Playback {
		return
	}
	select {
	case <-t.startCh:
	default:
		return
	}
	t.ring.WaitEmpty()
}

// Read returns the oldest captured chunk. It never blocks: n is 0 with a nil
// error when no chunk is ready. valid is false for chunks flagged corrupted;
// they are still delivered so the caller can decide what to do with them.
// A zero device timestamp is replaced by the last good one plus one slot.
func (t *Transport) Read(buf []byte) (n int, ts time.Time, valid bool, err error) {
	if t.ring == nil {
		return 0, time.Time{}, false, types.ErrNotInitialized
	}
	if t.status.Load() == taskFailed {
		return 0, time.Time{}, false, t.failure()
	}
	if len(buf) < t.format.ChunkSize {
		return 0, time.Time{}, false, fmt.Errorf("%w: read buffer %d smaller than chunk %d",
			types.ErrConfiguration, len(buf), t.format.ChunkSize)
	}

	c, err := t.ring.Consume(buf)
	if errors.Is(err, audioring.ErrInsufficientData) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}

	if t.cfg.SwapBytes && t.format.SampleBits == 16 {
		Swap16(buf[:c.N])
	}

	ts = t.reconcile(c.Timestamp)
	return c.N, ts, c.Status == audioring.StatusValid, nil
}

func (t *Transport) reconcile(ts time.Time) time.Time {
	if ts.IsZero() {
		if t.lastTs.IsZero() {
			return ts
		}
		ts = t.lastTs.Add(t.slotDur)
	}
	t.lastTs = ts
	return ts
}

// Write stages buf and commits every full chunk to the ring. It never blocks;
// ErrBufferOverflow means the device side is still holding every slot. The
// returned count is the number of bytes taken from buf.
func (t *Transport) Write(buf []byte) (int, error) {
	if t.ring == nil {
		return 0, types.ErrNotInitialized
	}
	if t.status.Load() == taskFailed {
		return 0, t.failure()
	}

	t.collect()

	written := 0
	for {
		if t.leftoverLen == len(t.leftover) {
			if err := t.ring.Produce(t.leftover, audioring.StatusPending, time.Time{}); err != nil {
				return written, types.ErrBufferOverflow
			}
			t.leftoverLen = 0
		}
		if written == len(buf) {
			return written, nil
		}
		k := copy(t.leftover[t.leftoverLen:], buf[written:])
		t.leftoverLen += k
		written += k
	}
}

func (t *Transport) collect() {
	out, failed, last := t.ring.Collect()
	t.outBuffers += out
	t.outErrors += failed
	if out > 0 {
		t.outTs = last
	}
}

// OutputStatus returns the completion time of the last output chunk and the
// number of chunks output and underrun so far.
func (t *Transport) OutputStatus() (ts time.Time, output, failed uint64) {
	if t.ring == nil {
		return time.Time{}, 0, 0
	}
	t.collect()
	return t.outTs, t.outBuffers, t.outErrors
}

// Shutdown stops the audio task, waits for it and closes the device.
func (t *Transport) Shutdown() {
	if t.ring == nil {
		return
	}
	stopped := false
	t.stop.Do(func() {
		t.exit.Store(true)
		close(t.done)
		t.ring.Close()
		if err := t.dev.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"error":    err,
			}).Warn("Failed to close audio device")
		}
		stopped = true
	})
	t.wg.Wait()
	if !stopped {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Shutdown",
		"direction": t.cfg.Direction.String(),
		"overruns":  t.overruns.Load(),
	}).Debug("Audio task stopped")
}

// Format returns the negotiated format; valid after Init.
func (t *Transport) Format() Format {
	return t.format
}

// ChunkSize returns the size of one ring slot in bytes.
func (t *Transport) ChunkSize() int {
	return t.format.ChunkSize
}

// SlotDuration returns the playing time of one ring slot.
func (t *Transport) SlotDuration() time.Duration {
	return t.slotDur
}

// Overruns returns the number of captured chunks dropped because the client
// did not read in time.
func (t *Transport) Overruns() uint64 {
	return t.overruns.Load()
}
