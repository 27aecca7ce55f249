package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayFrame(w, h int, luma byte) []byte {
	f := make([]byte, FrameSize(w, h))
	for i := 0; i < w*h; i++ {
		f[i] = luma
	}
	for i := w * h; i < len(f); i++ {
		f[i] = 128
	}
	return f
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		w, h, want int
	}{
		{352, 288, 352*288 + 2*176*144},
		{720, 576, 622080},
		{3, 3, 9 + 2*4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameSize(tt.w, tt.h), "%dx%d", tt.w, tt.h)
	}
}

func TestNewEncoderValidates(t *testing.T) {
	_, err := NewEncoder(0, 288, 50)
	assert.Error(t, err)
	_, err = NewEncoder(352, 288, 0)
	assert.Error(t, err)
	_, err = NewEncoder(352, 288, 101)
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const w, h = 64, 48
	enc, err := NewEncoder(w, h, 90)
	require.NoError(t, err)

	data, err := enc.Encode(grayFrame(w, h, 200))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG SOI marker")

	out, gw, gh, err := Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, w, gw)
	assert.Equal(t, h, gh)
	require.Len(t, out, FrameSize(w, h))
	assert.InDelta(t, 200, int(out[0]), 3)
	assert.InDelta(t, 128, int(out[w*h]), 3)
}

func TestEncodeShortFrame(t *testing.T) {
	enc, err := NewEncoder(64, 48, 50)
	require.NoError(t, err)
	_, err = enc.Encode(make([]byte, 100))
	assert.Error(t, err)
}

func TestDecodeGrayJPEG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 50
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))

	out, w, h, err := Decode(buf.Bytes(), make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)
	yy, _, _ := color.RGBToYCbCr(50, 50, 50)
	assert.InDelta(t, int(yy), int(out[0]), 3)
}

func TestDecodeGarbage(t *testing.T) {
	_, _, _, err := Decode([]byte("not a jpeg"), nil)
	assert.Error(t, err)
}

func BenchmarkEncodeCIF(b *testing.B) {
	enc, _ := NewEncoder(352, 288, DefaultQuality)
	frame := grayFrame(352, 288, 100)
	b.SetBytes(int64(len(frame)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = enc.Encode(frame)
	}
}
