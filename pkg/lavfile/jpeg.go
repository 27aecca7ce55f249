package lavfile

import (
	"errors"
	"fmt"
	"os"
)

// JPEGFile holds exactly one frame as a plain JPEG image. The recorder
// rotates to a new file after every frame when this format is selected.
type JPEGFile struct {
	f *os.File
}

// CreateJPEG opens path for a single JPEG image.
func CreateJPEG(path string) (*JPEGFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}
	return &JPEGFile{f: f}, nil
}

// WriteVideoFrame writes the image once, whatever count says.
func (j *JPEGFile) WriteVideoFrame(data []byte, count int) error {
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// WriteAudio fails: single images carry no audio.
func (j *JPEGFile) WriteAudio([]byte, int) error {
	return errors.New("image files carry no audio")
}

func (j *JPEGFile) Fileno() int { return int(j.f.Fd()) }

func (j *JPEGFile) Close() error { return j.f.Close() }
