package simdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/codec"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

// Stall is a window in which the device delivers no frames. Frames falling
// into it are lost and show up as a sequence gap.
type Stall struct {
	At       time.Duration // offset from Open
	Duration time.Duration
}

// VideoConfig describes a simulated capture device.
type VideoConfig struct {
	Buffers int
	Width   int
	Height  int
	Format  framequeue.DataFormat
	Period  time.Duration

	// Jitter moves every frame time by up to +/- Jitter*Period, independently
	// per frame, so the average rate stays exact.
	Jitter float64
	Stalls []Stall
	Seed   int64

	// InterruptEvery makes every n-th Sync report an interruption.
	InterruptEvery int
	// FailAt makes the Sync that would deliver this sequence number fail.
	FailAt uint64
}

// DefaultVideoConfig returns a small PAL YUV device.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Buffers: 8,
		Width:   64,
		Height:  48,
		Format:  framequeue.FormatYUV420,
		Period:  time.Second / 25,
		Seed:    1,
	}
}

// VideoDevice is a simulated capture device. The device runs from Open on:
// frame k is complete at Open + (k+1)*Period (plus jitter) and is delivered
// into the oldest queued buffer; frames with no buffer queued in time are lost.
type VideoDevice struct {
	cfg   VideoConfig
	clock *Clock

	mu      sync.Mutex
	notify  chan struct{}
	bufs    [][]byte
	fifo    []queued
	start   time.Time
	lastK   int64
	syncs   int
	offsets []float64
	rng     *rand.Rand
	enc     *codec.Encoder
	mapped  bool
	resets  int
}

type queued struct {
	index int
	at    time.Time
}

// NewVideoDevice creates a simulated capture device on clock.
func NewVideoDevice(clock *Clock, cfg VideoConfig) *VideoDevice {
	return &VideoDevice{cfg: cfg, clock: clock, notify: make(chan struct{}, 1), lastK: -1}
}

func (d *VideoDevice) frameSize() int {
	return codec.FrameSize(d.cfg.Width, d.cfg.Height)
}

// Open allocates the buffers and starts the device clock.
func (d *VideoDevice) Open() (framequeue.BufferInfo, error) {
	if d.cfg.Buffers <= 0 || d.cfg.Period <= 0 {
		return framequeue.BufferInfo{}, fmt.Errorf("%w: simulated video needs buffers and a frame period",
			types.ErrConfiguration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Format == framequeue.FormatMJPEG {
		enc, err := codec.NewEncoder(d.cfg.Width, d.cfg.Height, codec.DefaultQuality)
		if err != nil {
			return framequeue.BufferInfo{}, err
		}
		d.enc = enc
	}

	size := d.frameSize()
	d.bufs = make([][]byte, d.cfg.Buffers)
	for i := range d.bufs {
		d.bufs[i] = make([]byte, size)
	}
	d.start = d.clock.Now()
	d.rng = rand.New(rand.NewSource(d.cfg.Seed))
	d.mapped = true

	logrus.WithFields(logrus.Fields{
		"function": "VideoDevice.Open",
		"buffers":  d.cfg.Buffers,
		"width":    d.cfg.Width,
		"height":   d.cfg.Height,
		"format":   d.cfg.Format.String(),
	}).Debug("Simulated video device opened")

	return framequeue.BufferInfo{
		Count:  d.cfg.Buffers,
		Size:   size,
		Width:  d.cfg.Width,
		Height: d.cfg.Height,
	}, nil
}

// Queue appends index to the device queue.
func (d *VideoDevice) Queue(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mapped {
		return errors.New("device not open")
	}
	if index < 0 || index >= len(d.bufs) {
		return fmt.Errorf("buffer index %d out of range", index)
	}
	d.fifo = append(d.fifo, queued{index: index, at: d.clock.Now()})
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// frameTime returns the completion time of frame k.
func (d *VideoDevice) frameTime(k int64) time.Time {
	for int64(len(d.offsets)) <= k {
		off := 0.0
		if d.cfg.Jitter > 0 {
			off = (d.rng.Float64()*2 - 1) * d.cfg.Jitter
		}
		d.offsets = append(d.offsets, off)
	}
	nominal := time.Duration(k+1) * d.cfg.Period
	return d.start.Add(nominal + time.Duration(d.offsets[k]*float64(d.cfg.Period)))
}

func (d *VideoDevice) stalled(k int64) bool {
	nominal := time.Duration(k+1) * d.cfg.Period
	for _, s := range d.cfg.Stalls {
		if nominal >= s.At && nominal < s.At+s.Duration {
			return true
		}
	}
	return false
}

// nextFrame returns the first deliverable frame completing after at.
func (d *VideoDevice) nextFrame(at time.Time) (int64, time.Time) {
	k := d.lastK + 1
	for {
		t := d.frameTime(k)
		if !t.Before(at) && !d.stalled(k) {
			return k, t
		}
		k++
	}
}

// Sync waits for the next frame to complete into the oldest queued buffer.
func (d *VideoDevice) Sync(ctx context.Context) (framequeue.SyncInfo, error) {
	for {
		d.mu.Lock()
		if !d.mapped {
			d.mu.Unlock()
			return framequeue.SyncInfo{}, errors.New("device not open")
		}
		if len(d.fifo) > 0 {
			break
		}
		d.mu.Unlock()
		select {
		case <-d.notify:
		case <-ctx.Done():
			return framequeue.SyncInfo{}, ctx.Err()
		}
	}

	d.syncs++
	if d.cfg.InterruptEvery > 0 && d.syncs%d.cfg.InterruptEvery == 0 {
		d.mu.Unlock()
		return framequeue.SyncInfo{}, fmt.Errorf("simulated signal: %w", types.ErrInterrupted)
	}
	head := d.fifo[0]
	k, t := d.nextFrame(head.at)
	d.mu.Unlock()

	if err := d.clock.SleepUntil(ctx, t); err != nil {
		return framequeue.SyncInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fifo) == 0 || d.fifo[0] != head {
		// reset while sleeping
		return framequeue.SyncInfo{}, fmt.Errorf("simulated reset: %w", types.ErrInterrupted)
	}
	seq := uint64(k + 1)
	if d.cfg.FailAt > 0 && seq >= d.cfg.FailAt {
		return framequeue.SyncInfo{}, errors.New("simulated device failure")
	}
	d.fifo = d.fifo[1:]
	d.lastK = k

	n, err := d.fill(head.index, seq)
	if err != nil {
		return framequeue.SyncInfo{}, err
	}
	return framequeue.SyncInfo{Index: head.index, Length: n, Sequence: seq, Timestamp: t}, nil
}

// fill renders frame seq into buffer index and returns its length.
func (d *VideoDevice) fill(index int, seq uint64) (int, error) {
	buf := d.bufs[index]
	w, h := d.cfg.Width, d.cfg.Height

	frame := buf
	if d.enc != nil {
		frame = make([]byte, d.frameSize())
	}
	ySize := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			frame[y*w+x] = byte(x + y + int(seq))
		}
	}
	for i := ySize; i < len(frame); i++ {
		frame[i] = 128
	}
	binary.BigEndian.PutUint64(frame, seq)

	if d.enc == nil {
		return len(frame), nil
	}
	jpg, err := d.enc.Encode(frame)
	if err != nil {
		return 0, err
	}
	if len(jpg) > len(buf) {
		return 0, fmt.Errorf("encoded frame %d does not fit buffer (%d > %d)", seq, len(jpg), len(buf))
	}
	return copy(buf, jpg), nil
}

// Buffer returns the memory of buffer index.
func (d *VideoDevice) Buffer(index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufs[index]
}

// Format returns the configured buffer format.
func (d *VideoDevice) Format() framequeue.DataFormat { return d.cfg.Format }

// Reset cancels every queued buffer.
func (d *VideoDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifo = nil
	d.resets++
	return nil
}

// Close releases the buffers.
func (d *VideoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifo = nil
	d.mapped = false
	return nil
}

// Mapped reports whether the buffers are still allocated.
func (d *VideoDevice) Mapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped
}

// Queued returns the number of buffers waiting on the device.
func (d *VideoDevice) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

// FrameSequence extracts the sequence number stamped into a raw frame.
func FrameSequence(frame []byte) uint64 {
	if len(frame) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(frame)
}

// Resets returns how often the queue was reset.
func (d *VideoDevice) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}
