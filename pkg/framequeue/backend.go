package framequeue

import (
	"context"
	"time"
)

// DataFormat tags the contents of a capture buffer.
type DataFormat int

const (
	FormatMJPEG DataFormat = iota
	FormatYUV420
	FormatDV
	FormatRaw
)

func (f DataFormat) String() string {
	switch f {
	case FormatMJPEG:
		return "mjpeg"
	case FormatYUV420:
		return "yuv420"
	case FormatDV:
		return "dv"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Compressed reports whether buffers already hold encoded frames.
func (f DataFormat) Compressed() bool {
	return f == FormatMJPEG || f == FormatDV
}

// BufferInfo describes the buffer set a device exposes.
type BufferInfo struct {
	Count  int // number of buffers
	Size   int // bytes per buffer
	Width  int
	Height int
}

// SyncInfo is returned for every completed buffer.
type SyncInfo struct {
	Index     int
	Length    int       // bytes of valid data in the buffer
	Sequence  uint64    // device frame counter, gaps mean dropped frames
	Timestamp time.Time // device capture or display time
}

// DeviceBackend is the capture or playback device boundary: a fixed set of
// buffers addressed by index, queued for the device and synced back in order.
//
// Queue must not block. Sync blocks until the oldest queued buffer completes
// and must return once ctx is done. A Sync that was interrupted without a
// device failure returns an error wrapping types.ErrInterrupted.
type DeviceBackend interface {
	Open() (BufferInfo, error)
	Queue(index int) error
	Sync(ctx context.Context) (SyncInfo, error)
	Buffer(index int) []byte
	Format() DataFormat
	Close() error
}

// Resetter is implemented by devices that can cancel every queued buffer at
// once. FrameQueue uses it on Stop so the queue can be started again.
type Resetter interface {
	Reset() error
}
