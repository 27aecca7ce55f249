package types

import (
	"errors"
	"fmt"

	"github.com/drgolem/ringbuffer"
)

// Sentinel errors for capture and playback sessions.
// Classify with errors.Is(); wrapped errors carry the details.

// Session setup errors.
var (
	// ErrConfiguration indicates a bad parameter combination, rejected before any device is touched.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidTransition indicates a state change that the session does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Device and resource errors. All of these are fatal to a session.
var (
	// ErrDevice indicates an open, queue or sync failure of a capture or playback device.
	ErrDevice = errors.New("device error")

	// ErrInterrupted indicates a blocking sync was interrupted and may be retried.
	ErrInterrupted = errors.New("sync interrupted")

	// ErrResourceExhausted indicates buffers could not be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDiskFull indicates there is not enough free space to open the next output file.
	// It matches ErrResourceExhausted.
	ErrDiskFull = fmt.Errorf("%w: disk full", ErrResourceExhausted)

	// ErrOutput indicates an output file could not be opened, written or closed.
	ErrOutput = errors.New("output file error")

	// ErrAudioTask indicates the audio I/O task failed to start or died.
	ErrAudioTask = errors.New("audio task failed")

	// ErrAudioBehind indicates rotation found the previous file still draining audio.
	ErrAudioBehind = errors.New("audio too far behind video")

	// ErrStopped indicates the operation was aborted because the session is stopping.
	ErrStopped = errors.New("session stopped")
)

// Audio transport errors.
var (
	// ErrBufferOverflow indicates the producer side of the audio ring is full.
	ErrBufferOverflow = errors.New("audio buffer overflow")

	// ErrNotInitialized indicates the audio transport has not been initialized.
	ErrNotInitialized = errors.New("audio transport not initialized")
)

// Re-export common ringbuffer errors from github.com/drgolem/ringbuffer;
// the audio devices stage their callback data through it.
var (
	// ErrInsufficientSpace indicates the ringbuffer doesn't have enough space for the write operation
	ErrInsufficientSpace = ringbuffer.ErrInsufficientSpace

	// ErrInsufficientData indicates the ringbuffer doesn't have enough data for the read operation
	ErrInsufficientData = ringbuffer.ErrInsufficientData
)

// AudioTaskError carries the diagnostic reported by the audio task.
type AudioTaskError struct {
	Msg string
}

func (e *AudioTaskError) Error() string {
	return "audio task: " + e.Msg
}

func (e *AudioTaskError) Unwrap() error {
	return ErrAudioTask
}
