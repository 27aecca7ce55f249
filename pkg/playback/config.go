package playback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drgolem/lavtools/pkg/types"
)

// Mode selects how frames reach the screen.
type Mode int

const (
	HardwareOnscreen  Mode = iota // decoder card, overlay on the screen
	HardwareOffscreen             // decoder card, video out connector
	SoftwareDecode                // JPEG decoded in software and shown by a Display
)

func (m Mode) String() string {
	switch m {
	case HardwareOnscreen:
		return "hardware-onscreen"
	case HardwareOffscreen:
		return "hardware-offscreen"
	case SoftwareDecode:
		return "software"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Audio masks select the speeds at which audio is audible.
const (
	AudioNormal  = 1 // speed 1
	AudioReverse = 2 // speed -1
	AudioFast    = 4 // faster than 1 in either direction, combined with the direction bit
	AudioPaused  = 8 // speed 0
)

const (
	defaultSpeed       = 1
	defaultAudioMask   = AudioNormal
	defaultStopTimeout = 2 * time.Second
	drainPoll          = 10 * time.Millisecond
)

// Config holds playback session configuration
type Config struct {
	SessionID  uuid.UUID // zero picks a new id
	Mode       Mode
	Speed      int  // initial speed, 0 starts paused
	Continuous bool // pause at the ends instead of stopping

	// SyncCorrection skips audio or video when the streams drift more than
	// one frame period apart. SyncSkipFrames advances the frame counter for
	// a skipped video frame; SyncInsertFrames holds the counter for a
	// skipped audio frame so the picture repeats.
	SyncCorrection   bool
	SyncSkipFrames   bool
	SyncInsertFrames bool

	AudioMask   int // combination of the Audio* bits; 0 plays no audio
	StopTimeout time.Duration
}

// DefaultConfig returns default playback configuration
func DefaultConfig() Config {
	return Config{
		Mode:             SoftwareDecode,
		Speed:            defaultSpeed,
		SyncCorrection:   true,
		SyncSkipFrames:   true,
		SyncInsertFrames: true,
		AudioMask:        defaultAudioMask,
		StopTimeout:      defaultStopTimeout,
	}
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	switch c.Mode {
	case HardwareOnscreen, HardwareOffscreen, SoftwareDecode:
	default:
		return fmt.Errorf("%w: unknown playback mode %d", types.ErrConfiguration, c.Mode)
	}
	if c.AudioMask < 0 || c.AudioMask > AudioNormal|AudioReverse|AudioFast|AudioPaused {
		return fmt.Errorf("%w: audio mask must be 0..15, got %d", types.ErrConfiguration, c.AudioMask)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("%w: stop timeout must be positive", types.ErrConfiguration)
	}
	return nil
}

// audible reports whether audio plays at speed under mask.
func audible(mask, speed int) bool {
	switch {
	case speed == 1:
		return mask&AudioNormal != 0
	case speed == -1:
		return mask&AudioReverse != 0
	case speed == 0:
		return mask&AudioPaused != 0
	case speed > 1:
		return mask&(AudioNormal|AudioFast) == AudioNormal|AudioFast
	default:
		return mask&(AudioReverse|AudioFast) == AudioReverse|AudioFast
	}
}
