package types

import (
	"fmt"
	"time"
)

// AudioDecoder is the common interface for audio track decoders (WAV, FLAC).
// Playback uses it to load the audio that accompanies a recording.
type AudioDecoder interface {
	// Open opens an audio file for decoding
	Open(fileName string) error

	// Close closes the decoder and releases resources
	Close() error

	// GetFormat returns the audio format information
	// Returns: sample rate (Hz), channels (1=mono, 2=stereo), bits per sample (8/16/24/32)
	GetFormat() (rate, channels, bitsPerSample int)

	// DecodeSamples decodes audio samples into the provided buffer
	// Parameters:
	//   samples: number of samples to decode (not bytes!)
	//   audio: buffer to write decoded audio data
	// Returns: number of samples actually decoded, error if decoding failed
	// Note: Buffer must be large enough: samples * channels * (bitsPerSample/8) bytes
	DecodeSamples(samples int, audio []byte) (int, error)
}

// State is the state of a capture or playback session.
type State int

const (
	StateStopped State = iota
	StatePaused
	StateActive // recording or playing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// VideoNorm selects the frame rate of a session.
type VideoNorm int

const (
	NormPAL VideoNorm = iota
	NormNTSC
)

// SecondsPerFrame returns the frame period of the norm.
func (n VideoNorm) SecondsPerFrame() float64 {
	if n == NormNTSC {
		return 1001.0 / 30000.0
	}
	return 1.0 / 25.0
}

// FPS returns the frame rate of the norm.
func (n VideoNorm) FPS() float64 {
	if n == NormNTSC {
		return 30000.0 / 1001.0
	}
	return 25.0
}

// SamplesAt returns the number of audio samples at rate that play as long
// as frames frames, rounded down.
func (n VideoNorm) SamplesAt(frames uint64, rate int) uint64 {
	if n == NormNTSC {
		return frames * uint64(rate) * 1001 / 30000
	}
	return frames * uint64(rate) / 25
}

func (n VideoNorm) String() string {
	if n == NormNTSC {
		return "ntsc"
	}
	return "pal"
}

// CaptureStats holds the running totals of a recording session.
// A copy is pushed to the statistics callback after every cycle.
type CaptureStats struct {
	Syncs          uint64    // frames synced from the device
	Lost           uint64    // frames lost by the device
	Frames         uint64    // frames written (including repeats)
	AudioSamples   uint64    // audio samples written
	Inserted       uint64    // frames inserted by sync correction
	Deleted        uint64    // frames deleted by sync correction
	AudioErrors    uint64    // audio buffers delivered as corrupted
	TDiff1         float64   // video time minus audio time by counts (seconds)
	TDiff2         float64   // video time minus audio time by timestamps (seconds)
	PrevSync       time.Time // wall time of the previous sync
	CurSync        time.Time // wall time of the last sync
	CurrentFile    int       // number of the current output file
	OutputFilename string
	Changed        bool // lost/insert/delete/audio-error counters changed in this cycle
}

// Drift returns the correction input tdiff1 - tdiff2.
func (s CaptureStats) Drift() float64 {
	return s.TDiff1 - s.TDiff2
}

// PlaybackStats holds the running totals of a playback session.
type PlaybackStats struct {
	Frame        int     // current frame number
	CorrsA       uint64  // corrections where video was ahead of audio
	CorrsB       uint64  // corrections where video was behind audio
	AudioErrors  uint64  // audio buffers that underran
	AudioBuffers uint64  // audio buffers output
	NSync        uint64  // buffers synced
	NQueue       uint64  // buffers queued
	Speed        int     // playback speed
	Audio        bool    // audio is playing (not muted)
	Norm         VideoNorm
	TDiff        float64 // audio/video drift in seconds
	Changed      bool
}

// OutputStatus is the live (framesOutput, framesError) pair of a playback device.
type OutputStatus struct {
	FramesOutput uint64
	FramesError  uint64
}

// CaptureMonitor is implemented by sessions that can report capture statistics.
type CaptureMonitor interface {
	CaptureStats() CaptureStats
}

// PlaybackMonitor is implemented by sessions that can report playback statistics.
type PlaybackMonitor interface {
	PlaybackStats() PlaybackStats
}

// FormatTimecode formats a frame count as h.mm.ss:ff for the given norm.
func FormatTimecode(frames uint64, norm VideoNorm) string {
	fps := uint64(25)
	if norm == NormNTSC {
		fps = 30
	}
	ff := frames % fps
	secs := frames / fps
	return fmt.Sprintf("%d.%02d.%02d:%02d", secs/3600, (secs/60)%60, secs%60, ff)
}
