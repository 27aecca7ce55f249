package playback

import (
	"context"
	"time"

	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

// VideoOutput is the playback video device. The player copies a frame into
// Buffer(index) and queues it for periods frame periods; Sync returns the
// buffers in queue order once they have been shown, stamped with the time
// their display completed.
type VideoOutput interface {
	Open() (framequeue.BufferInfo, error)
	Buffer(index int) []byte
	Queue(index, length, periods int) error
	Sync(ctx context.Context) (framequeue.SyncInfo, error)
	// Status returns the live count of frames shown and frames that failed.
	Status() types.OutputStatus
	Close() error
}

// HardwareDevice is a decoder card that can show frames on the screen or on
// its video out connector.
type HardwareDevice interface {
	VideoOutput
	SetOnscreen(on bool) error
}

// AudioOutput accepts audio without blocking and reports what the device has
// played. audiotransport.Transport implements it.
type AudioOutput interface {
	Start()
	Write(buf []byte) (int, error)
	// OutputStatus returns the completion time of the last chunk played and
	// the chunks played and underrun so far.
	OutputStatus() (ts time.Time, output, failed uint64)
	ChunkSize() int
}

// Clock is the time base of the playback loop and the soft frame wait.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type shutdowner interface {
	Shutdown()
}
