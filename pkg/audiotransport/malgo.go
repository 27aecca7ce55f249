package audiotransport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/ringbuffer"
	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// MalgoDevice captures audio through miniaudio.
//
// The miniaudio callback runs on a C audio thread and is the single producer
// of a lock-free byte ring; the transport task is the single consumer and
// reads whole chunks from it. A callback block that does not fit is dropped
// and its stream position remembered, so the chunk read across that position
// comes back with ErrOverrun.
type MalgoDevice struct {
	DeviceIndex int // capture device index, -1 selects the default device
	StagingSize uint64

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	ring   *ringbuffer.RingBuffer
	format Format

	notify   chan struct{}
	done     chan struct{}
	closed   sync.Once
	overruns atomic.Uint64

	staged uint64 // bytes staged so far; callback only
	read   uint64 // bytes read so far; ReadChunk only
	gapMu  sync.Mutex
	gaps   []uint64 // stream positions where dropped audio belongs
}

// NewMalgoDevice creates a capture device; index -1 selects the default input.
func NewMalgoDevice(index int) *MalgoDevice {
	return &MalgoDevice{
		DeviceIndex: index,
		StagingSize: 256 * 1024,
	}
}

// Open initializes the miniaudio context and starts capturing.
func (d *MalgoDevice) Open(f Format) error {
	var sampleFormat malgo.FormatType
	switch f.SampleBits {
	case 8:
		sampleFormat = malgo.FormatU8
	case 16:
		sampleFormat = malgo.FormatS16
	default:
		return fmt.Errorf("unsupported bit depth: %d", f.SampleBits)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DeviceConfig{
		DeviceType: malgo.Capture,
		SampleRate: uint32(f.SampleRate),
		Capture: malgo.SubConfig{
			Format:   sampleFormat,
			Channels: uint32(f.Channels),
		},
	}

	if d.DeviceIndex >= 0 {
		devices, err := ctx.Devices(malgo.Capture)
		if err != nil {
			ctx.Free()
			return fmt.Errorf("enumerate devices: %w", err)
		}
		if d.DeviceIndex >= len(devices) {
			ctx.Free()
			return fmt.Errorf("device index %d out of range (have %d devices)",
				d.DeviceIndex, len(devices))
		}
		cfg.Capture.DeviceID = devices[d.DeviceIndex].ID.Pointer()
	}

	d.reset(f)

	onData := func(outputSamples, inputSamples []byte, frameCount uint32) {
		d.stage(inputSamples)
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		ctx.Free()
		return fmt.Errorf("init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Free()
		return fmt.Errorf("start device: %w", err)
	}

	d.ctx = ctx
	d.device = device

	logrus.WithFields(logrus.Fields{
		"function":     "MalgoDevice.Open",
		"device_index": d.DeviceIndex,
		"channels":     f.Channels,
		"sample_rate":  f.SampleRate,
	}).Info("Audio capture device opened")
	return nil
}

func (d *MalgoDevice) reset(f Format) {
	d.ring = ringbuffer.New(d.StagingSize)
	d.format = f
	d.notify = make(chan struct{}, 1)
	d.done = make(chan struct{})
	d.closed = sync.Once{}
	d.staged, d.read = 0, 0
	d.gaps = nil
}

// stage copies one callback block into the staging ring.
func (d *MalgoDevice) stage(input []byte) {
	if len(input) == 0 {
		return
	}
	if _, err := d.ring.Write(input); err != nil {
		d.overruns.Add(1)
		d.gapMu.Lock()
		if n := len(d.gaps); n == 0 || d.gaps[n-1] != d.staged {
			d.gaps = append(d.gaps, d.staged)
		}
		d.gapMu.Unlock()
	} else {
		d.staged += uint64(len(input))
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// takeGaps forgets every gap before end and reports whether there was one.
func (d *MalgoDevice) takeGaps(end uint64) bool {
	d.gapMu.Lock()
	defer d.gapMu.Unlock()
	lost := false
	for len(d.gaps) > 0 && d.gaps[0] < end {
		d.gaps = d.gaps[1:]
		lost = true
	}
	return lost
}

// Overruns returns the number of callback blocks dropped because the staging
// ring was full.
func (d *MalgoDevice) Overruns() uint64 {
	return d.overruns.Load()
}

// ReadChunk blocks until a full chunk has been captured.
func (d *MalgoDevice) ReadChunk(buf []byte) (time.Time, error) {
	if d.ring == nil {
		return time.Time{}, ErrDeviceClosed
	}
	need := uint64(len(buf))

	for d.ring.AvailableRead() < need {
		select {
		case <-d.done:
			return time.Time{}, ErrDeviceClosed
		case <-d.notify:
		}
	}

	_, err := d.ring.Read(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrInsufficientData) {
		return time.Time{}, err
	}
	d.read += need

	// The last sample of this chunk was captured before everything that is
	// still queued behind it.
	behind := d.ring.AvailableRead()
	lag := time.Duration(behind) * time.Second / time.Duration(d.format.ByteRate())
	ts := time.Now().Add(-lag)

	if d.takeGaps(d.read) {
		return ts, ErrOverrun
	}
	return ts, nil
}

// Close stops capturing and releases miniaudio resources.
func (d *MalgoDevice) Close() error {
	d.closed.Do(func() {
		if d.done != nil {
			close(d.done)
		}
		if d.device != nil {
			d.device.Stop()
			d.device.Uninit()
			d.device = nil
		}
		if d.ctx != nil {
			_ = d.ctx.Uninit()
			d.ctx.Free()
			d.ctx = nil
		}
		if n := d.overruns.Load(); n > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "MalgoDevice.Close",
				"overruns": n,
			}).Warn("Audio capture staging overflowed")
		}
	})
	return nil
}
