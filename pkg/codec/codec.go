// Package codec converts between planar YUV 4:2:0 frames and JPEG images.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

// DefaultQuality matches the recorder's default JPEG quality factor.
const DefaultQuality = 50

// FrameSize returns the size of a planar YUV 4:2:0 frame.
func FrameSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// Encoder compresses planar YUV 4:2:0 frames. One Encoder must not be shared
// between goroutines; each encoding worker owns its own.
type Encoder struct {
	Width   int
	Height  int
	Quality int

	buf bytes.Buffer
}

// NewEncoder creates an encoder for width x height frames.
func NewEncoder(width, height, quality int) (*Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be 1..100, got %d", quality)
	}
	return &Encoder{Width: width, Height: height, Quality: quality}, nil
}

// Encode compresses one frame. The returned slice is reused by the next call.
func (e *Encoder) Encode(yuv []byte) ([]byte, error) {
	img, err := wrapYUV(yuv, e.Width, e.Height)
	if err != nil {
		return nil, err
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return e.buf.Bytes(), nil
}

func wrapYUV(yuv []byte, width, height int) (*image.YCbCr, error) {
	need := FrameSize(width, height)
	if len(yuv) < need {
		return nil, fmt.Errorf("frame has %d bytes, need %d for %dx%d", len(yuv), need, width, height)
	}

	cw, ch := (width+1)/2, (height+1)/2
	ySize := width * height
	cSize := cw * ch
	return &image.YCbCr{
		Y:              yuv[:ySize],
		Cb:             yuv[ySize : ySize+cSize],
		Cr:             yuv[ySize+cSize : ySize+2*cSize],
		YStride:        width,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}, nil
}

// Decode decompresses a JPEG image into dst as planar YUV 4:2:0 and returns
// the image geometry. dst is grown when too small.
func Decode(data []byte, dst []byte) ([]byte, int, int, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return dst, 0, 0, fmt.Errorf("jpeg decode: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	need := FrameSize(w, h)
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	out, _ := wrapYUV(dst, w, h)
	if src, ok := img.(*image.YCbCr); ok && src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		copyPlanes(out, src)
		return dst, w, h, nil
	}

	// Grayscale or other subsampling: go through RGBA.
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	fromRGBA(out, rgba)
	return dst, w, h, nil
}

func copyPlanes(dst, src *image.YCbCr) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	cw, ch := (w+1)/2, (h+1)/2
	for y := 0; y < h; y++ {
		copy(dst.Y[y*dst.YStride:y*dst.YStride+w], src.Y[y*src.YStride:])
	}
	for y := 0; y < ch; y++ {
		copy(dst.Cb[y*dst.CStride:y*dst.CStride+cw], src.Cb[y*src.CStride:])
		copy(dst.Cr[y*dst.CStride:y*dst.CStride+cw], src.Cr[y*src.CStride:])
	}
}

func fromRGBA(dst *image.YCbCr, src *image.RGBA) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := src.PixOffset(x, y)
			yy, cb, cr := color.RGBToYCbCr(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
			dst.Y[y*dst.YStride+x] = yy
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*dst.CStride + x/2
				dst.Cb[ci] = cb
				dst.Cr[ci] = cr
			}
		}
	}
}
