package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drgolem/lavtools/pkg/types"
)

// Sync correction levels.
const (
	SyncNone    = 0 // write every synced frame once
	SyncLost    = 1 // replicate frames the device lost
	SyncAudioAV = 2 // also insert or delete frames to follow the audio clock
)

const (
	defaultQuality    = 50
	defaultFlushCount = 60
	minFreeMB         = 10
	minFreeOpenMB     = 20
	checkIntervalMB   = 50
	pausePoll         = 10 * time.Millisecond
	audioTries        = 500
	audioTryInterval  = 20 * time.Millisecond
	stopTimeout       = 2 * time.Second
)

// Config holds recording session configuration
type Config struct {
	SessionID uuid.UUID // zero picks a new id
	Norm      types.VideoNorm
	Format    byte // container format tag passed to the opener, 'j' for JPEG images
	Interlace int
	Quality   int // JPEG quality of software encoding, 1..100
	Workers   int // software encoding workers, 1..buffers-1

	// Output names: an explicit list, or a pattern with one integer verb
	// ("rec%03d.lav") numbered from 1. A pattern without a verb is used as is.
	Files         []string
	OutputPattern string

	MaxFileSizeMB  int64  // rotate after this many MB; 0 is unlimited
	MaxFileFrames  uint64 // rotate every n frames; 0 is unlimited
	FlushCount     uint64 // fdatasync every n frames; 0 never
	SyncCorrection int
	SingleFrame    bool          // write one frame per Start, then pause
	TimeLapse      int           // write every n-th frame
	RecordTime     time.Duration // stop after this much video; 0 is unlimited

	AudioBits int // 8 or 16; 0 records video only
	AudioRate int
	Stereo    bool

	MinFreeMB       int64 // rotate when free space drops below
	MinFreeOpenMB   int64 // fail when a new file would start with less
	CheckIntervalMB int64 // query free space after this many MB written

	PausePoll        time.Duration
	AudioTries       int
	AudioTryInterval time.Duration
	// StopTimeout bounds the wait for pending frames and the audio that
	// completes the last file.
	StopTimeout time.Duration
}

// DefaultConfig returns default recording configuration
func DefaultConfig() Config {
	return Config{
		Norm:             types.NormPAL,
		Quality:          defaultQuality,
		Workers:          1,
		FlushCount:       defaultFlushCount,
		SyncCorrection:   SyncAudioAV,
		TimeLapse:        1,
		AudioBits:        16,
		AudioRate:        44100,
		MinFreeMB:        minFreeMB,
		MinFreeOpenMB:    minFreeOpenMB,
		CheckIntervalMB:  checkIntervalMB,
		PausePoll:        pausePoll,
		AudioTries:       audioTries,
		AudioTryInterval: audioTryInterval,
		StopTimeout:      stopTimeout,
	}
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	if c.Norm != types.NormPAL && c.Norm != types.NormNTSC {
		return fmt.Errorf("%w: unknown video norm %d", types.ErrConfiguration, c.Norm)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("%w: quality must be 1..100, got %d", types.ErrConfiguration, c.Quality)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: need at least one encoding worker, got %d", types.ErrConfiguration, c.Workers)
	}
	if c.SyncCorrection < SyncNone || c.SyncCorrection > SyncAudioAV {
		return fmt.Errorf("%w: sync correction must be 0, 1 or 2, got %d",
			types.ErrConfiguration, c.SyncCorrection)
	}
	if c.TimeLapse < 1 {
		return fmt.Errorf("%w: time lapse factor must be >= 1, got %d", types.ErrConfiguration, c.TimeLapse)
	}
	if c.RecordTime < 0 || c.MaxFileSizeMB < 0 {
		return fmt.Errorf("%w: negative record time or file size", types.ErrConfiguration)
	}
	if c.MinFreeMB < 0 || c.MinFreeOpenMB < 0 || c.CheckIntervalMB < 0 {
		return fmt.Errorf("%w: negative free space limits", types.ErrConfiguration)
	}

	switch c.AudioBits {
	case 0:
	case 8, 16:
		if c.AudioRate <= 0 {
			return fmt.Errorf("%w: audio rate must be positive, got %d", types.ErrConfiguration, c.AudioRate)
		}
		if c.Format == 'j' {
			return fmt.Errorf("%w: JPEG image output carries no audio", types.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: audio sample size must be 8 or 16 bits, got %d",
			types.ErrConfiguration, c.AudioBits)
	}

	if c.OutputPattern != "" && strings.Contains(c.OutputPattern, "%") {
		name := fmt.Sprintf(c.OutputPattern, 1)
		if strings.Contains(name, "%!") {
			return fmt.Errorf("%w: output pattern %q needs exactly one integer verb",
				types.ErrConfiguration, c.OutputPattern)
		}
	}
	return nil
}

// HasAudio reports whether audio is recorded.
func (c Config) HasAudio() bool {
	return c.AudioBits > 0
}

func (c Config) channels() int {
	if c.Stereo {
		return 2
	}
	return 1
}

// bytesPerSample returns the size of one audio sample frame.
func (c Config) bytesPerSample() int {
	return c.channels() * c.AudioBits / 8
}

// framePeriod is the frame duration as the exact fraction num/den seconds.
type framePeriod struct {
	num, den int64
}

func periodOf(n types.VideoNorm) framePeriod {
	if n == types.NormNTSC {
		return framePeriod{num: 1001, den: 30000}
	}
	return framePeriod{num: 1, den: 25}
}

func (p framePeriod) seconds() float64 {
	return float64(p.num) / float64(p.den)
}

// duration returns the playing time of frames frames.
func (p framePeriod) duration(frames uint64) time.Duration {
	return time.Duration(int64(frames) * p.num * int64(time.Second) / p.den)
}

// samples returns the number of audio samples that play as long as frames
// frames, rounded down.
func (p framePeriod) samples(frames uint64, rate int) uint64 {
	return frames * uint64(rate) * uint64(p.num) / uint64(p.den)
}
