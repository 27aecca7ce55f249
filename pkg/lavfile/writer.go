// Package lavfile stores recordings as a frame file plus a WAV audio sidecar.
package lavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/youpy/go-wav"

	"github.com/drgolem/lavtools/pkg/sink"
)

// FormatJPEG selects one JPEG image per file instead of a frame file.
const FormatJPEG = 'j'

// AudioPath returns the WAV sidecar path of a frame file.
func AudioPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".wav"
}

func stagingPath(path string) string {
	return path + ".pcm"
}

// Writer writes one frame file. Audio is staged as raw PCM next to it and
// converted into a WAV sidecar on Close, once the sample count is known.
type Writer struct {
	path   string
	header Header

	f     *os.File
	pcm   *os.File
	audio uint64 // sample frames staged

	closeOnce sync.Once
	closeErr  error
}

// Create opens path for writing and stamps it with sessionID.
func Create(path string, p sink.Params, sessionID uuid.UUID) (*Writer, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", p.Width, p.Height)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame file: %w", err)
	}

	w := &Writer{
		path:   path,
		header: Header{SessionID: sessionID, Params: p},
		f:      f,
	}
	if _, err := f.Write(w.header.Marshal()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	if p.HasAudio() {
		pcm, err := os.OpenFile(stagingPath(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create audio staging file: %w", err)
		}
		w.pcm = pcm
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"path":       path,
		"session_id": sessionID.String(),
		"width":      p.Width,
		"height":     p.Height,
		"audio":      p.HasAudio(),
	}).Debug("Frame file created")
	return w, nil
}

// WriteVideoFrame appends data standing for count consecutive frames.
func (w *Writer) WriteVideoFrame(data []byte, count int) error {
	for count > 0 {
		n := min(count, maxRepeat)
		hdr := RecordHeader{Repeat: uint16(n), Length: uint32(len(data))}
		if _, err := w.f.Write(hdr.Marshal()); err != nil {
			return fmt.Errorf("write frame header: %w", err)
		}
		if _, err := w.f.Write(data); err != nil {
			return fmt.Errorf("write frame data: %w", err)
		}
		w.header.Frames += uint32(n)
		count -= n
	}
	return nil
}

// WriteAudio appends samples sample frames from data.
func (w *Writer) WriteAudio(data []byte, samples int) error {
	if w.pcm == nil {
		return errors.New("frame file has no audio stream")
	}
	n := samples * w.header.Params.BytesPerSample()
	if n > len(data) {
		return fmt.Errorf("audio buffer holds %d bytes, need %d", len(data), n)
	}
	if _, err := w.pcm.Write(data[:n]); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	w.audio += uint64(samples)
	return nil
}

// Fileno returns the frame file descriptor.
func (w *Writer) Fileno() int {
	return int(w.f.Fd())
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() uint32 { return w.header.Frames }

// Samples returns the number of audio sample frames written so far.
func (w *Writer) Samples() uint64 { return w.audio }

// Close finalizes the header frame count and writes the WAV sidecar.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.close()
	})
	return w.closeErr
}

func (w *Writer) close() error {
	var errs []error

	var frames [4]byte
	binary.LittleEndian.PutUint32(frames[:], w.header.Frames)
	if _, err := w.f.WriteAt(frames[:], framesOffset); err != nil {
		errs = append(errs, fmt.Errorf("update frame count: %w", err))
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close frame file: %w", err))
	}

	if w.pcm != nil {
		if err := w.writeSidecar(); err != nil {
			errs = append(errs, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Writer.Close",
		"path":     w.path,
		"frames":   w.header.Frames,
		"samples":  w.audio,
	}).Debug("Frame file closed")
	return errors.Join(errs...)
}

func (w *Writer) writeSidecar() error {
	defer func() {
		w.pcm.Close()
		os.Remove(stagingPath(w.path))
	}()

	if _, err := w.pcm.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind audio staging: %w", err)
	}

	out, err := os.OpenFile(AudioPath(w.path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create WAV sidecar: %w", err)
	}
	defer out.Close()

	p := w.header.Params
	wavWriter := wav.NewWriter(out, uint32(w.audio), uint16(p.Channels), uint32(p.AudioRate), uint16(p.AudioBits))
	if _, err := io.Copy(wavWriter, w.pcm); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	return nil
}
