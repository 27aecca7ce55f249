// Package sink defines the container writer contract used by the recorder.
package sink

// Params describes the streams of a new output file.
type Params struct {
	Format    byte // container format tag, 'j' selects single JPEG images
	Width     int
	Height    int
	Interlace int
	FPS       float64
	AudioBits int // 0 when the file carries no audio
	Channels  int
	AudioRate int
}

// HasAudio reports whether the file carries an audio stream.
func (p Params) HasAudio() bool {
	return p.AudioBits > 0 && p.Channels > 0 && p.AudioRate > 0
}

// BytesPerSample returns the size of one audio sample frame.
func (p Params) BytesPerSample() int {
	return p.Channels * p.AudioBits / 8
}

// Sink is one open output file.
type Sink interface {
	// WriteVideoFrame stores data as count consecutive frames.
	WriteVideoFrame(data []byte, count int) error
	// WriteAudio stores samples sample frames taken from data.
	WriteAudio(data []byte, samples int) error
	Close() error
	// Fileno returns the descriptor to flush, or -1.
	Fileno() int
}

// Opener creates sinks.
type Opener interface {
	Open(path string, p Params) (Sink, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string, p Params) (Sink, error)

// Open calls f.
func (f OpenerFunc) Open(path string, p Params) (Sink, error) { return f(path, p) }
