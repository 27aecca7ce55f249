package audiotransport

import (
	"errors"
	"time"
)

// ErrUnderrun is returned by a playback device when it had to play silence
// since the previous chunk. The chunk itself has been written.
var ErrUnderrun = errors.New("audio underrun")

// ErrDeviceClosed is returned by blocking device calls after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// ErrOverrun is returned by a capture device together with a full chunk when
// captured audio was lost in or just before that chunk.
var ErrOverrun = errors.New("audio capture overrun")

// Format is the negotiated device format.
type Format struct {
	Channels     int
	SampleBits   int
	SampleRate   int
	ChunkSize    int  // bytes per ring slot
	UseReadWrite bool // read/write I/O instead of memory-mapped DMA buffers
}

// BytesPerSample returns the size of one sample frame (all channels).
func (f Format) BytesPerSample() int {
	return f.Channels * f.SampleBits / 8
}

// ByteRate returns the number of bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BytesPerSample()
}

// Device is the audio hardware boundary used by the transport's task.
type Device interface {
	Open(f Format) error
	Close() error
}

// CaptureDevice delivers audio in chunk-sized reads.
type CaptureDevice interface {
	Device

	// ReadChunk blocks until len(buf) bytes were captured and returns the time
	// the last sample was captured (zero if unknown). ErrOverrun reports a gap
	// in the audio; buf is filled all the same.
	ReadChunk(buf []byte) (time.Time, error)
}

// PlaybackDevice accepts audio in chunk-sized writes.
type PlaybackDevice interface {
	Device

	// WriteChunk blocks until buf was handed to the hardware and returns the
	// completion time. ErrUnderrun reports a gap before this chunk.
	WriteChunk(buf []byte) (time.Time, error)
}
