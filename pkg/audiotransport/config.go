package audiotransport

import (
	"fmt"
	"time"

	"github.com/drgolem/lavtools/pkg/types"
)

// Direction of an audio transport.
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	if d == Playback {
		return "playback"
	}
	return "capture"
}

const (
	defaultSlots     = 256
	defaultChunkSize = 4096
	pollInterval     = 10 * time.Millisecond
	maxPolls         = 1000
)

// Config holds transport configuration
type Config struct {
	Direction    Direction
	UseReadWrite bool
	Stereo       bool
	SampleBits   int  // 8 or 16
	SampleRate   int  // Hz
	SwapBytes    bool // swap byte order of 16-bit samples on read
	Slots        uint64

	// PollInterval and MaxPolls bound the wait for the audio task at Init.
	PollInterval time.Duration
	MaxPolls     int
}

// DefaultConfig returns default transport configuration
func DefaultConfig(dir Direction) Config {
	return Config{
		Direction:    dir,
		SampleBits:   16,
		SampleRate:   44100,
		Slots:        defaultSlots,
		PollInterval: pollInterval,
		MaxPolls:     maxPolls,
	}
}

// Validate rejects unsupported formats.
func (c Config) Validate() error {
	if c.SampleBits != 8 && c.SampleBits != 16 {
		return fmt.Errorf("%w: audio sample size must be 8 or 16 bits, got %d",
			types.ErrConfiguration, c.SampleBits)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: audio sample rate must be positive, got %d",
			types.ErrConfiguration, c.SampleRate)
	}
	return nil
}

func (c Config) channels() int {
	if c.Stereo {
		return 2
	}
	return 1
}

// ChunkSizeFor returns the slot size for a byte rate: 4096 bytes, halved below
// 44100 bytes/s and halved again below 22050 bytes/s.
func ChunkSizeFor(byteRate int) int {
	size := defaultChunkSize
	if byteRate < 44100 {
		size /= 2
	}
	if byteRate < 22050 {
		size /= 2
	}
	return size
}

// SlotDuration returns the playing time of one slot.
func SlotDuration(chunkSize, byteRate int) time.Duration {
	usecs := int64(chunkSize) * 100000 / int64(byteRate) * 10
	return time.Duration(usecs) * time.Microsecond
}
