package lavfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/drgolem/lavtools/pkg/sink"
)

type frameRef struct {
	offset int64
	length uint32
}

// Reader gives random access to the frames of a frame file.
type Reader struct {
	f      *os.File
	path   string
	header Header
	frames []frameRef // one entry per frame, repeats expanded
}

// Open indexes a frame file. A truncated last record is ignored so that
// files cut short by a failed recording stay readable.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame file: %w", err)
	}

	r := &Reader{f: f, path: path}
	if err := r.index(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) index() error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if err := r.header.Unmarshal(buf); err != nil {
		return err
	}

	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()

	rec := make([]byte, RecordSize)
	offset := int64(HeaderSize)
	for offset+RecordSize <= size {
		if _, err := r.f.ReadAt(rec, offset); err != nil {
			return fmt.Errorf("read record at %d: %w", offset, err)
		}
		var hdr RecordHeader
		if err := hdr.Unmarshal(rec); err != nil {
			return fmt.Errorf("record at %d: %w", offset, err)
		}
		data := offset + RecordSize
		if data+int64(hdr.Length) > size {
			break
		}
		for i := 0; i < int(hdr.Repeat); i++ {
			r.frames = append(r.frames, frameRef{offset: data, length: hdr.Length})
		}
		offset = data + int64(hdr.Length)
	}
	return nil
}

// NumFrames returns the number of frames, repeats included.
func (r *Reader) NumFrames() int { return len(r.frames) }

// Params returns the stream parameters recorded in the header.
func (r *Reader) Params() sink.Params { return r.header.Params }

// SessionID returns the id of the recording session that wrote the file.
func (r *Reader) SessionID() uuid.UUID { return r.header.SessionID }

// DeclaredFrames returns the frame count stored in the header on close.
func (r *Reader) DeclaredFrames() int { return int(r.header.Frames) }

// AudioPath returns the WAV sidecar path, or "" if there is none.
func (r *Reader) AudioPath() string {
	p := AudioPath(r.path)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// FrameSize returns the encoded size of frame n.
func (r *Reader) FrameSize(n int) int {
	if n < 0 || n >= len(r.frames) {
		return 0
	}
	return int(r.frames[n].length)
}

// ReadFrame reads frame n into dst, growing it if needed.
func (r *Reader) ReadFrame(n int, dst []byte) ([]byte, error) {
	if n < 0 || n >= len(r.frames) {
		return dst, fmt.Errorf("frame %d out of range [0,%d)", n, len(r.frames))
	}
	ref := r.frames[n]
	if cap(dst) < int(ref.length) {
		dst = make([]byte, ref.length)
	}
	dst = dst[:ref.length]
	if _, err := r.f.ReadAt(dst, ref.offset); err != nil && !errors.Is(err, io.EOF) {
		return dst, fmt.Errorf("read frame %d: %w", n, err)
	}
	return dst, nil
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.f.Close()
}
