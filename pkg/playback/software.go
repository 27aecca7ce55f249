package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/codec"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

// Display shows one decoded YUV 4:2:0 planar picture.
type Display interface {
	Show(yuv []byte, width, height int) error
}

// SoftwareConfig sizes a software output.
type SoftwareConfig struct {
	Buffers int
	Width   int
	Height  int
	Period  time.Duration
}

// SoftwareOutput decodes JPEG frames on its own display goroutine and paces
// them with a FrameTimer. It stands in for a decoder card: buffers are
// queued with the number of periods to show, and Sync hands them back in
// order once shown.
//
// Thread Safety Model:
//   - Queue and Sync belong to the player goroutine
//   - A queued buffer belongs to the display goroutine until it is shown
//   - valid, lengths and stamps are guarded by mu
type SoftwareOutput struct {
	cfg     SoftwareConfig
	display Display
	timer   *FrameTimer

	mu        sync.Mutex
	filled    *sync.Cond
	done      *sync.Cond
	bufs      [][]byte
	lengths   []int
	valid     []int // periods to show, 0 when free
	stamps    []time.Time
	processed int
	synced    int
	stopping  bool
	status    types.OutputStatus

	decoded []byte
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSoftwareOutput creates a software output drawing to display.
func NewSoftwareOutput(display Display, clock Clock, cfg SoftwareConfig) *SoftwareOutput {
	if clock == nil {
		clock = wallClock{}
	}
	o := &SoftwareOutput{
		cfg:     cfg,
		display: display,
		timer:   NewFrameTimer(clock, cfg.Period),
	}
	o.filled = sync.NewCond(&o.mu)
	o.done = sync.NewCond(&o.mu)
	return o
}

// Open allocates the buffers and starts the display goroutine.
func (o *SoftwareOutput) Open() (framequeue.BufferInfo, error) {
	if o.cfg.Buffers < 2 || o.cfg.Width <= 0 || o.cfg.Height <= 0 || o.cfg.Period <= 0 {
		return framequeue.BufferInfo{}, fmt.Errorf("%w: software output needs 2+ buffers, a size and a frame period",
			types.ErrConfiguration)
	}
	if o.display == nil {
		return framequeue.BufferInfo{}, fmt.Errorf("%w: software output without a display", types.ErrConfiguration)
	}

	size := codec.FrameSize(o.cfg.Width, o.cfg.Height)
	o.bufs = make([][]byte, o.cfg.Buffers)
	for i := range o.bufs {
		o.bufs[i] = make([]byte, size)
	}
	o.lengths = make([]int, o.cfg.Buffers)
	o.valid = make([]int, o.cfg.Buffers)
	o.stamps = make([]time.Time, o.cfg.Buffers)

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go o.run(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "SoftwareOutput.Open",
		"buffers":  o.cfg.Buffers,
		"width":    o.cfg.Width,
		"height":   o.cfg.Height,
	}).Debug("Software playback started")

	return framequeue.BufferInfo{
		Count:  o.cfg.Buffers,
		Size:   size,
		Width:  o.cfg.Width,
		Height: o.cfg.Height,
	}, nil
}

// Buffer returns the memory of buffer index.
func (o *SoftwareOutput) Buffer(index int) []byte {
	return o.bufs[index]
}

// Queue marks buffer index playable for periods frame periods.
func (o *SoftwareOutput) Queue(index, length, periods int) error {
	if index < 0 || index >= len(o.bufs) || length < 0 || length > len(o.bufs[index]) {
		return fmt.Errorf("bad buffer %d (length %d)", index, length)
	}
	if periods < 1 {
		periods = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return types.ErrStopped
	}
	o.lengths[index] = length
	o.valid[index] = periods
	o.filled.Broadcast()
	return nil
}

// Sync waits until the next buffer in queue order has been shown.
func (o *SoftwareOutput) Sync(ctx context.Context) (framequeue.SyncInfo, error) {
	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.done.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	o.mu.Lock()
	defer o.mu.Unlock()
	idx := o.synced
	for o.valid[idx] != 0 {
		if o.stopping {
			return framequeue.SyncInfo{}, types.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return framequeue.SyncInfo{}, err
		}
		o.done.Wait()
	}
	o.synced = (o.synced + 1) % len(o.bufs)
	return framequeue.SyncInfo{
		Index:     idx,
		Length:    o.lengths[idx],
		Timestamp: o.stamps[idx],
	}, nil
}

// Status returns the frames shown and the frames that could not be shown.
func (o *SoftwareOutput) Status() types.OutputStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Close stops the display goroutine.
func (o *SoftwareOutput) Close() error {
	o.mu.Lock()
	o.stopping = true
	o.filled.Broadcast()
	o.done.Broadcast()
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	return nil
}

func (o *SoftwareOutput) run(ctx context.Context) {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		idx := o.processed
		for o.valid[idx] == 0 && !o.stopping {
			o.filled.Wait()
		}
		if o.stopping {
			o.mu.Unlock()
			return
		}
		periods := o.valid[idx]
		frame := o.bufs[idx][:o.lengths[idx]]
		o.mu.Unlock()

		showErr := o.show(frame)
		if showErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SoftwareOutput.run",
				"buffer":   idx,
				"error":    showErr,
			}).Warn("Error playing a frame")
		}

		ts, err := o.timer.Wait(ctx, periods)
		if err != nil {
			return
		}

		o.mu.Lock()
		if showErr != nil {
			o.status.FramesError++
		} else {
			o.status.FramesOutput++
		}
		o.stamps[idx] = ts
		o.valid[idx] = 0
		o.done.Broadcast()
		o.processed = (idx + 1) % len(o.bufs)
		o.mu.Unlock()
	}
}

func (o *SoftwareOutput) show(frame []byte) error {
	yuv, w, h, err := codec.Decode(frame, o.decoded)
	if err != nil {
		return err
	}
	o.decoded = yuv
	return o.display.Show(yuv, w, h)
}
