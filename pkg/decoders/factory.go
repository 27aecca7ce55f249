// Package decoders loads the audio track that accompanies a recording.
package decoders

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	soxr "github.com/zaf/resample"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/decoders/flac"
	"github.com/drgolem/lavtools/pkg/decoders/wav"
	"github.com/drgolem/lavtools/pkg/types"
)

// NewDecoder creates and opens the appropriate decoder based on file extension.
// Supports .wav, .flac and .fla.
func NewDecoder(fileName string) (types.AudioDecoder, error) {
	ext := strings.ToLower(filepath.Ext(fileName))

	var decoder types.AudioDecoder

	switch ext {
	case ".flac", ".fla":
		decoder = flac.NewDecoder()
	case ".wav":
		decoder = wav.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .flac, .fla, .wav)", ext)
	}

	if err := decoder.Open(fileName); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fileName, err)
	}

	return decoder, nil
}

// Track is a fully decoded interleaved PCM track.
type Track struct {
	Data          []byte
	Rate          int
	Channels      int
	BitsPerSample int
}

// BytesPerSample returns the size of one sample frame.
func (t *Track) BytesPerSample() int {
	return t.Channels * t.BitsPerSample / 8
}

// Samples returns the number of sample frames.
func (t *Track) Samples() int {
	if bps := t.BytesPerSample(); bps > 0 {
		return len(t.Data) / bps
	}
	return 0
}

// ReadAll decodes everything the decoder has left.
func ReadAll(decoder types.AudioDecoder) (*Track, error) {
	return readSamples(decoder, -1)
}

// readSamples decodes at most limit sample frames; a negative limit reads to
// the end.
func readSamples(decoder types.AudioDecoder, limit int) (*Track, error) {
	const bufferSamples = 4096

	rate, channels, bits := decoder.GetFormat()
	frameBytes := channels * bits / 8
	if frameBytes <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d channels, %d bits", channels, bits)
	}

	buffer := make([]byte, bufferSamples*frameBytes)
	data := make([]byte, 0, len(buffer)*10)

	for limit != 0 {
		want := bufferSamples
		if limit > 0 {
			want = min(want, limit)
		}
		n, err := decoder.DecodeSamples(want, buffer)
		if limit > 0 {
			limit -= min(n, limit)
		}
		if n > 0 {
			data = append(data, buffer[:n*frameBytes]...)
		}
		if err != nil {
			if isEndOfStream(err) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		if n == 0 {
			break
		}
	}

	return &Track{Data: data, Rate: rate, Channels: channels, BitsPerSample: bits}, nil
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "done")
}

// Resample converts a 16-bit track to rate using SoXR. Other sample sizes are
// only accepted when no conversion is needed.
func Resample(t *Track, rate int) (*Track, error) {
	if t.Rate == rate {
		return t, nil
	}
	if t.BitsPerSample != 16 {
		return nil, fmt.Errorf("cannot resample %d-bit audio", t.BitsPerSample)
	}

	var out bytes.Buffer
	bufWriter := bufio.NewWriter(&out)

	resampler, err := soxr.New(
		bufWriter,
		float64(t.Rate),
		float64(rate),
		t.Channels,
		soxr.I16,
		soxr.HighQ,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	if _, err := resampler.Write(t.Data); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("failed to close resampler: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush buffer: %w", err)
	}

	return &Track{Data: out.Bytes(), Rate: rate, Channels: t.Channels, BitsPerSample: 16}, nil
}

// FrameSeeker is a decoder that can start at the audio of a video frame.
type FrameSeeker interface {
	SeekFrame(n int, norm types.VideoNorm) error
}

// Cut keeps the samples that play during frames start..end. A negative start
// keeps the whole track, a negative end runs to the end of it.
func Cut(t *Track, norm types.VideoNorm, start, end int) (*Track, error) {
	if start < 0 {
		return t, nil
	}
	if end >= 0 && end < start {
		return nil, fmt.Errorf("%w: frame range %d..%d", types.ErrConfiguration, start, end)
	}

	bps := t.BytesPerSample()
	first, _ := audioframe.Span(start, norm, t.Rate)
	from := first * bps
	to := len(t.Data)
	if end >= 0 {
		last, count := audioframe.Span(end, norm, t.Rate)
		to = min(to, (last+count)*bps)
	}
	if from >= to {
		return nil, fmt.Errorf("frame range %d..%d is past the end of the audio track", start, end)
	}

	return &Track{
		Data:          t.Data[from:to],
		Rate:          t.Rate,
		Channels:      t.Channels,
		BitsPerSample: t.BitsPerSample,
	}, nil
}

// LoadFrames decodes the audio of frames start..end of fileName, with the
// same range rules as Cut. Decoders that can seek start at the first frame
// and stop after the last one.
func LoadFrames(fileName string, norm types.VideoNorm, start, end int) (*Track, error) {
	if start >= 0 && end >= 0 && end < start {
		return nil, fmt.Errorf("%w: frame range %d..%d", types.ErrConfiguration, start, end)
	}

	dec, err := NewDecoder(fileName)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	seeker, ok := dec.(FrameSeeker)
	if !ok || start < 0 {
		t, err := ReadAll(dec)
		if err != nil {
			return nil, err
		}
		return Cut(t, norm, start, end)
	}

	if err := seeker.SeekFrame(start, norm); err != nil {
		return nil, err
	}
	limit := -1
	if end >= 0 {
		rate, _, _ := dec.GetFormat()
		first, _ := audioframe.Span(start, norm, rate)
		last, count := audioframe.Span(end, norm, rate)
		limit = last + count - first
	}
	t, err := readSamples(dec, limit)
	if err != nil {
		return nil, err
	}
	if len(t.Data) == 0 {
		return nil, fmt.Errorf("frame range %d..%d is past the end of the audio track", start, end)
	}
	return t, nil
}

// Load decodes fileName and converts it to rate.
func Load(fileName string, rate int) (*Track, error) {
	dec, err := NewDecoder(fileName)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	t, err := ReadAll(dec)
	if err != nil {
		return nil, err
	}
	if rate <= 0 {
		return t, nil
	}
	return Resample(t, rate)
}
