package sink

import (
	"errors"
	"sync"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink closed")

// MemoryFile is what a MemorySink recorded.
type MemoryFile struct {
	Path     string
	Params   Params
	Frames   [][]byte // one entry per written frame, repeats included
	Samples  int
	Audio    []byte
	Closed   bool
	Removed  bool
	Failures int
}

// MemorySink keeps everything in memory.
type MemorySink struct {
	mu   sync.Mutex
	file *MemoryFile

	// FailAfter makes the nth WriteVideoFrame call (1-based) fail.
	FailAfter int
	calls     int
}

func (s *MemorySink) WriteVideoFrame(data []byte, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file.Closed {
		return ErrClosed
	}
	s.calls++
	if s.FailAfter > 0 && s.calls >= s.FailAfter {
		s.file.Failures++
		return errors.New("write failed")
	}
	frame := append([]byte(nil), data...)
	for i := 0; i < count; i++ {
		s.file.Frames = append(s.file.Frames, frame)
	}
	return nil
}

func (s *MemorySink) WriteAudio(data []byte, samples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file.Closed {
		return ErrClosed
	}
	n := samples * s.file.Params.BytesPerSample()
	if n > len(data) {
		n = len(data)
	}
	s.file.Audio = append(s.file.Audio, data[:n]...)
	s.file.Samples += samples
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Closed = true
	return nil
}

func (s *MemorySink) Fileno() int { return -1 }

// MemoryOpener hands out MemorySinks and remembers every file it opened.
type MemoryOpener struct {
	mu    sync.Mutex
	files []*MemoryFile

	// FailOpen makes Open fail for the given paths.
	FailOpen map[string]bool
	// FailWriteAfter is copied to every new sink.
	FailWriteAfter int
}

// NewMemoryOpener creates an empty opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{}
}

func (o *MemoryOpener) Open(path string, p Params) (Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailOpen[path] {
		return nil, errors.New("cannot open " + path)
	}
	f := &MemoryFile{Path: path, Params: p}
	o.files = append(o.files, f)
	return &MemorySink{file: f, FailAfter: o.FailWriteAfter}, nil
}

// Remove marks path as deleted.
func (o *MemoryOpener) Remove(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.files {
		if f.Path == path {
			f.Removed = true
		}
	}
	return nil
}

// Files returns a snapshot of every opened file, oldest first.
func (o *MemoryOpener) Files() []MemoryFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]MemoryFile, 0, len(o.files))
	for _, f := range o.files {
		out = append(out, *f)
	}
	return out
}
