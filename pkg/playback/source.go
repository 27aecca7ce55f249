package playback

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/decoders"
	"github.com/drgolem/lavtools/pkg/lavfile"
	"github.com/drgolem/lavtools/pkg/sink"
	"github.com/drgolem/lavtools/pkg/types"
)

// Source is the editlist a player walks: numbered compressed frames and the
// audio that plays with each of them.
type Source interface {
	NumFrames() int
	Norm() types.VideoNorm
	// ReadFrame reads frame n into dst, growing it if needed.
	ReadFrame(n int, dst []byte) ([]byte, error)
	// AudioFormat returns the audio format and false if there is no audio.
	AudioFormat() (audioframe.FrameFormat, bool)
	// ReadAudio fills af with the audio of frame n.
	ReadAudio(n int, af *audioframe.AudioFrame) error
}

// NormOf picks the norm closest to fps.
func NormOf(fps float64) types.VideoNorm {
	if fps > 27 {
		return types.NormNTSC
	}
	return types.NormPAL
}

// MemorySource plays a recording kept in memory.
type MemorySource struct {
	frames [][]byte
	norm   types.VideoNorm
	format audioframe.FrameFormat
	audio  []byte
}

// NewMemorySource plays the frames and audio of f.
func NewMemorySource(f sink.MemoryFile) *MemorySource {
	s := &MemorySource{frames: f.Frames, norm: NormOf(f.Params.FPS)}
	if f.Params.HasAudio() {
		s.format = audioframe.FrameFormat{
			SampleRate:    f.Params.AudioRate,
			Channels:      f.Params.Channels,
			BitsPerSample: f.Params.AudioBits,
		}
		s.audio = f.Audio
	}
	return s
}

func (s *MemorySource) NumFrames() int        { return len(s.frames) }
func (s *MemorySource) Norm() types.VideoNorm { return s.norm }

func (s *MemorySource) ReadFrame(n int, dst []byte) ([]byte, error) {
	if n < 0 || n >= len(s.frames) {
		return dst, fmt.Errorf("frame %d out of range [0,%d)", n, len(s.frames))
	}
	return append(dst[:0], s.frames[n]...), nil
}

func (s *MemorySource) AudioFormat() (audioframe.FrameFormat, bool) {
	return s.format, s.audio != nil
}

func (s *MemorySource) ReadAudio(n int, af *audioframe.AudioFrame) error {
	return af.Cut(s.audio, n, s.norm)
}

// FileSource plays a recorded file and its audio track.
type FileSource struct {
	r      *lavfile.Reader
	norm   types.VideoNorm
	format audioframe.FrameFormat
	track  *decoders.Track
}

// OpenFile opens a recording. audioPath names the track to play with it;
// empty selects the WAV written next to the recording, if any.
func OpenFile(path, audioPath string) (*FileSource, error) {
	r, err := lavfile.Open(path)
	if err != nil {
		return nil, err
	}
	p := r.Params()
	s := &FileSource{r: r, norm: NormOf(p.FPS)}

	if audioPath == "" {
		audioPath = r.AudioPath()
	}
	if audioPath == "" {
		return s, nil
	}

	track, err := decoders.Load(audioPath, p.AudioRate)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("load audio %s: %w", audioPath, err)
	}
	if track.BitsPerSample != 8 && track.BitsPerSample != 16 {
		r.Close()
		return nil, fmt.Errorf("%w: %d-bit audio cannot be played", types.ErrConfiguration, track.BitsPerSample)
	}
	s.track = track
	s.format = audioframe.FrameFormat{
		SampleRate:    track.Rate,
		Channels:      track.Channels,
		BitsPerSample: track.BitsPerSample,
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenFile",
		"file":     path,
		"audio":    audioPath,
		"frames":   r.NumFrames(),
		"samples":  track.Samples(),
	}).Debug("Opened recording")

	return s, nil
}

func (s *FileSource) NumFrames() int        { return s.r.NumFrames() }
func (s *FileSource) Norm() types.VideoNorm { return s.norm }

func (s *FileSource) ReadFrame(n int, dst []byte) ([]byte, error) {
	return s.r.ReadFrame(n, dst)
}

func (s *FileSource) AudioFormat() (audioframe.FrameFormat, bool) {
	return s.format, s.track != nil
}

func (s *FileSource) ReadAudio(n int, af *audioframe.AudioFrame) error {
	if s.track == nil {
		return fmt.Errorf("no audio track")
	}
	return af.Cut(s.track.Data, n, s.norm)
}

// Params returns the stream parameters of the recording.
func (s *FileSource) Params() sink.Params { return s.r.Params() }

// Close closes the recording.
func (s *FileSource) Close() error {
	return s.r.Close()
}
