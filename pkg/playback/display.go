package playback

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/drgolem/lavtools/pkg/types"
)

// Y4MDisplay writes every shown picture as a YUV4MPEG2 stream, which any
// y4m-aware viewer can render from a pipe.
type Y4MDisplay struct {
	w      *bufio.Writer
	norm   types.VideoNorm
	header bool
	width  int
	height int
}

// NewY4MDisplay streams pictures to w at the frame rate of norm.
func NewY4MDisplay(w io.Writer, norm types.VideoNorm) *Y4MDisplay {
	return &Y4MDisplay{w: bufio.NewWriter(w), norm: norm}
}

func (d *Y4MDisplay) Show(yuv []byte, width, height int) error {
	if !d.header {
		num, den := 25, 1
		if d.norm == types.NormNTSC {
			num, den = 30000, 1001
		}
		if _, err := fmt.Fprintf(d.w, "YUV4MPEG2 W%d H%d F%d:%d Ip A1:1 C420jpeg\n",
			width, height, num, den); err != nil {
			return err
		}
		d.header, d.width, d.height = true, width, height
	}
	if width != d.width || height != d.height {
		return fmt.Errorf("picture size changed from %dx%d to %dx%d", d.width, d.height, width, height)
	}
	if _, err := d.w.WriteString("FRAME\n"); err != nil {
		return err
	}
	if _, err := d.w.Write(yuv); err != nil {
		return err
	}
	return d.w.Flush()
}

// NullDisplay counts pictures and keeps the last one.
type NullDisplay struct {
	mu     sync.Mutex
	shown  int
	last   []byte
	width  int
	height int
}

func (d *NullDisplay) Show(yuv []byte, width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown++
	d.last = append(d.last[:0], yuv...)
	d.width, d.height = width, height
	return nil
}

// Shown returns the number of pictures shown.
func (d *NullDisplay) Shown() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown
}

// Last returns a copy of the last picture and its size.
func (d *NullDisplay) Last() ([]byte, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.last...), d.width, d.height
}
