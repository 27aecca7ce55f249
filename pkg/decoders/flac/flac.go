// Package flac reads external FLAC audio tracks for recordings. Tracks are
// decoded to 16-bit PCM and can be positioned at the audio of any video frame.
package flac

import (
	"errors"
	"fmt"
	"io"

	goflac "github.com/drgolem/go-flac/flac"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/types"
)

// outputBits is the sample size every audio device path accepts.
const outputBits = 16

// Decoder is a FLAC track reader. Implements types.AudioDecoder.
type Decoder struct {
	decoder *goflac.FlacDecoder
	format  audioframe.FrameFormat
	total   int64
}

// NewDecoder returns a closed decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Open opens fileName. Only mono and stereo tracks can accompany a recording.
func (d *Decoder) Open(fileName string) error {
	decoder, err := goflac.NewFlacFrameDecoder(outputBits)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Open(fileName); err != nil {
		decoder.Delete()
		return fmt.Errorf("failed to open file %s: %w", fileName, err)
	}

	rate, channels, bits := decoder.GetFormat()
	if channels < 1 || channels > 2 || rate <= 0 {
		decoder.Close()
		decoder.Delete()
		return fmt.Errorf("%w: %s has %d channels at %d Hz, need mono or stereo",
			types.ErrConfiguration, fileName, channels, rate)
	}

	d.Close()
	d.decoder = decoder
	d.format = audioframe.FrameFormat{SampleRate: rate, Channels: channels, BitsPerSample: bits}
	d.total = decoder.TotalSamples()
	return nil
}

// Format returns the PCM format DecodeSamples produces.
func (d *Decoder) Format() audioframe.FrameFormat {
	return d.format
}

// GetFormat returns sample rate, channels and bits per sample.
func (d *Decoder) GetFormat() (int, int, int) {
	return d.format.SampleRate, d.format.Channels, d.format.BitsPerSample
}

// Samples returns the length of the track in sample frames, 0 if the stream
// does not say.
func (d *Decoder) Samples() int64 {
	return d.total
}

// SeekFrame positions the decoder at the first sample of video frame n.
func (d *Decoder) SeekFrame(n int, norm types.VideoNorm) error {
	if d.decoder == nil {
		return errors.New("decoder not initialized")
	}
	if n < 0 {
		return fmt.Errorf("%w: frame %d", types.ErrConfiguration, n)
	}
	first, _ := audioframe.Span(n, norm, d.format.SampleRate)
	if d.total > 0 && int64(first) >= d.total {
		return fmt.Errorf("frame %d is past the end of the audio track (%d samples)", n, d.total)
	}
	if _, err := d.decoder.Seek(int64(first), io.SeekStart); err != nil {
		return fmt.Errorf("seek to frame %d: %w", n, err)
	}
	return nil
}

// DecodeSamples decodes up to samples sample frames into audio, as many as
// fit. io.EOF marks the end of the track.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.decoder == nil {
		return 0, errors.New("decoder not initialized")
	}
	samples = min(samples, len(audio)/d.format.BytesPerSample())
	if samples <= 0 {
		return 0, nil
	}
	return d.decoder.DecodeSamples(samples, audio)
}

// Close releases the decoder. It may be called more than once.
func (d *Decoder) Close() error {
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder.Delete()
		d.decoder = nil
	}
	return nil
}
