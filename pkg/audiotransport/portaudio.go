package audiotransport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/drgolem/ringbuffer"
	"github.com/sirupsen/logrus"
)

// PortAudioDevice plays audio using PortAudio callback mode.
//
// Thread Safety Model:
//   - The transport task writes chunks into a lock-free byte ring (producer)
//   - The PortAudio C thread (audio callback) reads from the ring (consumer)
//   - Shortfalls are filled with silence and reported as an underrun on the
//     next WriteChunk
type PortAudioDevice struct {
	DeviceIndex     int
	FramesPerBuffer int
	StagingSize     uint64

	stream *portaudio.PaStream
	ring   *ringbuffer.RingBuffer
	format Format

	underrun atomic.Bool
	played   atomic.Uint64
	space    chan struct{}
	done     chan struct{}
	closed   sync.Once
}

// NewPortAudioDevice creates a playback device for the given output index.
func NewPortAudioDevice(deviceIdx, framesPerBuffer int) *PortAudioDevice {
	return &PortAudioDevice{
		DeviceIndex:     deviceIdx,
		FramesPerBuffer: framesPerBuffer,
		StagingSize:     64 * 1024,
	}
}

// Open opens and starts the output stream.
func (d *PortAudioDevice) Open(f Format) error {
	var sampleFormat portaudio.PaSampleFormat
	switch f.SampleBits {
	case 16:
		sampleFormat = portaudio.SampleFmtInt16
	case 24:
		sampleFormat = portaudio.SampleFmtInt24
	case 32:
		sampleFormat = portaudio.SampleFmtInt32
	default:
		return fmt.Errorf("unsupported bit depth: %d", f.SampleBits)
	}

	d.format = f
	d.ring = ringbuffer.New(d.StagingSize)
	d.space = make(chan struct{}, 1)
	d.done = make(chan struct{})
	d.closed = sync.Once{}
	d.underrun.Store(false)

	d.stream = &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  d.DeviceIndex,
			ChannelCount: f.Channels,
			SampleFormat: sampleFormat,
		},
		SampleRate: float64(f.SampleRate),
	}

	if err := d.stream.OpenCallback(d.FramesPerBuffer, d.audioCallback); err != nil {
		d.stream = nil
		return fmt.Errorf("failed to open stream with callback: %w", err)
	}
	if err := d.stream.StartStream(); err != nil {
		_ = d.stream.CloseCallback()
		d.stream = nil
		return fmt.Errorf("failed to start stream: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "PortAudioDevice.Open",
		"device_index":      d.DeviceIndex,
		"frames_per_buffer": d.FramesPerBuffer,
		"channels":          f.Channels,
		"sample_rate":       f.SampleRate,
	}).Info("Audio playback device opened")
	return nil
}

// audioCallback runs on the PortAudio thread: no allocation, no blocking.
func (d *PortAudioDevice) audioCallback(
	input, output []byte,
	frameCount uint,
	timeInfo *portaudio.StreamCallbackTimeInfo,
	statusFlags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	bytesNeeded := int(frameCount) * d.format.BytesPerSample()

	n, _ := d.ring.Read(output[:bytesNeeded])
	if n < bytesNeeded {
		clear(output[n:bytesNeeded])
		if d.played.Load() > 0 {
			d.underrun.Store(true)
		}
	}
	d.played.Add(uint64(n))

	select {
	case d.space <- struct{}{}:
	default:
	}

	return portaudio.Continue
}

// WriteChunk blocks until buf fits into the staging ring.
func (d *PortAudioDevice) WriteChunk(buf []byte) (time.Time, error) {
	if d.ring == nil {
		return time.Time{}, ErrDeviceClosed
	}

	for d.ring.AvailableWrite() < uint64(len(buf)) {
		select {
		case <-d.done:
			return time.Time{}, ErrDeviceClosed
		case <-d.space:
		}
	}
	if _, err := d.ring.Write(buf); err != nil {
		return time.Time{}, err
	}

	now := time.Now()
	if d.underrun.Swap(false) {
		return now, ErrUnderrun
	}
	return now, nil
}

// Close stops the stream.
func (d *PortAudioDevice) Close() error {
	d.closed.Do(func() {
		if d.done != nil {
			close(d.done)
		}
		if d.stream != nil {
			if err := d.stream.StopStream(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "PortAudioDevice.Close",
					"error":    err,
				}).Warn("Failed to stop stream")
			}
			if err := d.stream.CloseCallback(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "PortAudioDevice.Close",
					"error":    err,
				}).Warn("Failed to close stream")
			}
			d.stream = nil
		}
	})
	return nil
}
