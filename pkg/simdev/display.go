package simdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/codec"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

// OutputConfig describes a simulated playback card.
type OutputConfig struct {
	Buffers int
	Width   int
	Height  int
	// Period is the display time of one frame period. Setting it off the
	// norm's period makes the card run fast or slow against the audio.
	Period time.Duration
	// FailAt makes the n-th displayed frame (1-based) count as an error.
	FailAt uint64
}

// DefaultOutputConfig returns a small PAL card.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		Buffers: 8,
		Width:   64,
		Height:  48,
		Period:  time.Second / 25,
	}
}

// VideoOutput is a simulated playback card. Queued buffers are shown one
// after another, each for its number of frame periods; Sync returns a buffer
// once it has been shown, stamped with the time its display ended. Sync
// moves a virtual clock.
type VideoOutput struct {
	cfg   OutputConfig
	clock *Clock

	mu       sync.Mutex
	notify   chan struct{}
	bufs     [][]byte
	fifo     []pending
	playEnd  time.Time
	shown    [][]byte
	output   uint64
	errors   uint64
	onscreen bool
	mapped   bool
}

type pending struct {
	index   int
	length  int
	periods int
	at      time.Time
}

// NewVideoOutput creates a simulated playback card on clock.
func NewVideoOutput(clock *Clock, cfg OutputConfig) *VideoOutput {
	return &VideoOutput{cfg: cfg, clock: clock, notify: make(chan struct{}, 1)}
}

// Open allocates the buffers.
func (o *VideoOutput) Open() (framequeue.BufferInfo, error) {
	if o.cfg.Buffers <= 0 || o.cfg.Period <= 0 {
		return framequeue.BufferInfo{}, fmt.Errorf("%w: simulated output needs buffers and a frame period",
			types.ErrConfiguration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	size := codec.FrameSize(o.cfg.Width, o.cfg.Height)
	o.bufs = make([][]byte, o.cfg.Buffers)
	for i := range o.bufs {
		o.bufs[i] = make([]byte, size)
	}
	o.mapped = true

	logrus.WithFields(logrus.Fields{
		"function": "VideoOutput.Open",
		"buffers":  o.cfg.Buffers,
		"onscreen": o.onscreen,
	}).Debug("Simulated video output opened")

	return framequeue.BufferInfo{
		Count:  o.cfg.Buffers,
		Size:   size,
		Width:  o.cfg.Width,
		Height: o.cfg.Height,
	}, nil
}

// SetOnscreen selects on-screen (overlay) or off-screen (video out) display.
func (o *VideoOutput) SetOnscreen(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onscreen = on
	return nil
}

// Onscreen reports the selected display.
func (o *VideoOutput) Onscreen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onscreen
}

// Buffer returns the memory of buffer index.
func (o *VideoOutput) Buffer(index int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bufs[index]
}

// Queue appends index to the display queue.
func (o *VideoOutput) Queue(index, length, periods int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mapped {
		return errors.New("output not open")
	}
	if index < 0 || index >= len(o.bufs) || length < 0 || length > len(o.bufs[index]) {
		return fmt.Errorf("bad buffer %d (length %d)", index, length)
	}
	if periods < 1 {
		periods = 1
	}
	o.fifo = append(o.fifo, pending{index: index, length: length, periods: periods, at: o.clock.Now()})
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sync waits until the oldest queued buffer has been shown.
func (o *VideoOutput) Sync(ctx context.Context) (framequeue.SyncInfo, error) {
	for {
		o.mu.Lock()
		if !o.mapped {
			o.mu.Unlock()
			return framequeue.SyncInfo{}, errors.New("output not open")
		}
		if len(o.fifo) > 0 {
			break
		}
		o.mu.Unlock()
		select {
		case <-o.notify:
		case <-ctx.Done():
			return framequeue.SyncInfo{}, ctx.Err()
		}
	}

	head := o.fifo[0]
	start := head.at
	if start.Before(o.playEnd) {
		start = o.playEnd
	}
	end := start.Add(time.Duration(head.periods) * o.cfg.Period)
	o.playEnd = end
	o.mu.Unlock()

	if err := o.clock.SleepUntil(ctx, end); err != nil {
		return framequeue.SyncInfo{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.fifo) == 0 || o.fifo[0] != head {
		return framequeue.SyncInfo{}, fmt.Errorf("simulated reset: %w", types.ErrInterrupted)
	}
	o.fifo = o.fifo[1:]
	o.shown = append(o.shown, append([]byte(nil), o.bufs[head.index][:head.length]...))
	if o.cfg.FailAt > 0 && uint64(len(o.shown)) == o.cfg.FailAt {
		o.errors++
	} else {
		o.output++
	}
	return framequeue.SyncInfo{
		Index:     head.index,
		Length:    head.length,
		Sequence:  uint64(len(o.shown)),
		Timestamp: end,
	}, nil
}

// Status returns the frames shown and the frames that failed.
func (o *VideoOutput) Status() types.OutputStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return types.OutputStatus{FramesOutput: o.output, FramesError: o.errors}
}

// Close releases the buffers.
func (o *VideoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fifo = nil
	o.mapped = false
	return nil
}

// Mapped reports whether the buffers are still allocated.
func (o *VideoOutput) Mapped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mapped
}

// Shown returns a copy of every frame shown so far, in display order.
func (o *VideoOutput) Shown() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.shown...)
}
