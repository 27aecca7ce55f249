package simdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/drgolem/lavtools/pkg/audiotransport"
	"github.com/drgolem/lavtools/pkg/types"
)

// AudioConfig describes a simulated audio clock.
type AudioConfig struct {
	Rate       int
	Channels   int
	SampleBits int // 8 or 16
	ChunkSize  int // bytes per chunk; 0 picks the transport's size for the byte rate

	// Skew makes the device run Skew faster (positive) or slower than Rate.
	Skew float64
	// Tone is the frequency of a generated sine. Zero fills every sample with
	// its own index (mod 2^16), which lets tests check that nothing was lost
	// or duplicated.
	Tone float64

	// CorruptEvery flags every n-th chunk as corrupted.
	CorruptEvery int
	// FailAfter makes reads fail after this many chunks.
	FailAfter int
}

// DefaultAudioConfig returns 44.1 kHz 16-bit mono with index samples.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{Rate: 44100, Channels: 1, SampleBits: 16}
}

func (c AudioConfig) bytesPerSample() int {
	return c.Channels * c.SampleBits / 8
}

func (c AudioConfig) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return audiotransport.ChunkSizeFor(c.Rate * c.bytesPerSample())
}

// generator renders the sample stream of an AudioConfig.
type generator struct {
	cfg   AudioConfig
	start time.Time
	chunk int // bytes
	next  uint64
}

func newGenerator(cfg AudioConfig, start time.Time) *generator {
	return &generator{cfg: cfg, start: start, chunk: cfg.chunkSize()}
}

func (g *generator) samplesPerChunk() uint64 {
	return uint64(g.chunk / g.cfg.bytesPerSample())
}

// end returns the time the last sample of chunk j was captured.
func (g *generator) end(j uint64) time.Time {
	samples := float64((j + 1) * g.samplesPerChunk())
	secs := samples / (float64(g.cfg.Rate) * (1 + g.cfg.Skew))
	return g.start.Add(time.Duration(secs * float64(time.Second)))
}

// render fills buf with chunk j.
func (g *generator) render(buf []byte, j uint64) {
	spc := g.samplesPerChunk()
	bps := g.cfg.bytesPerSample()
	first := j * spc
	for s := uint64(0); s < spc; s++ {
		idx := first + s
		var v int16
		if g.cfg.Tone > 0 {
			phase := 2 * math.Pi * g.cfg.Tone * float64(idx) / float64(g.cfg.Rate)
			v = int16(8000 * math.Sin(phase))
		} else {
			v = int16(uint16(idx))
		}
		for c := 0; c < g.cfg.Channels; c++ {
			off := int(s)*bps + c*g.cfg.SampleBits/8
			if g.cfg.SampleBits == 8 {
				buf[off] = byte(uint16(v)>>8) ^ 0x80
			} else {
				binary.LittleEndian.PutUint16(buf[off:], uint16(v))
			}
		}
	}
}

func (g *generator) corrupted(j uint64) bool {
	return g.cfg.CorruptEvery > 0 && (j+1)%uint64(g.cfg.CorruptEvery) == 0
}

func (g *generator) failed(j uint64) bool {
	return g.cfg.FailAfter > 0 && j >= uint64(g.cfg.FailAfter)
}

// SampleIndex returns the generated index of a 16-bit mono sample.
func SampleIndex(data []byte, sample int) uint16 {
	return binary.LittleEndian.Uint16(data[sample*2:])
}

// AudioSource is a non-blocking captured-audio reader with the same Read
// contract as audiotransport.Transport. A chunk becomes readable once the
// clock has passed the time its last sample was captured.
type AudioSource struct {
	clock *Clock
	gen   *generator
}

// NewAudioSource starts a simulated audio capture at the current clock time.
func NewAudioSource(clock *Clock, cfg AudioConfig) *AudioSource {
	return &AudioSource{clock: clock, gen: newGenerator(cfg, clock.Now())}
}

// Read returns the next chunk if it is complete, else 0.
func (a *AudioSource) Read(buf []byte) (n int, ts time.Time, valid bool, err error) {
	g := a.gen
	if len(buf) < g.chunk {
		return 0, time.Time{}, false, fmt.Errorf("%w: read buffer %d smaller than chunk %d",
			types.ErrConfiguration, len(buf), g.chunk)
	}
	end := g.end(g.next)
	if a.clock.Now().Before(end) {
		return 0, time.Time{}, false, nil
	}
	if g.failed(g.next) {
		return 0, time.Time{}, false, errors.New("simulated audio read failure")
	}
	g.render(buf, g.next)
	valid = !g.corrupted(g.next)
	g.next++
	return g.chunk, end, valid, nil
}

// ChunkSize returns the bytes delivered per Read.
func (a *AudioSource) ChunkSize() int { return a.gen.chunk }

// Chunks returns the number of chunks read so far.
func (a *AudioSource) Chunks() uint64 { return a.gen.next }

// AudioDevice is a simulated audio card for audiotransport. Capture reads
// block until the clock reaches the end of the chunk; playback writes take
// one chunk duration each and report an underrun when the client left a gap.
//
// Under a virtual clock playback writes return at once: the card plays every
// chunk back to back from Open, so the completion times do not depend on when
// the audio task gets to run. Register the transport's Settle with
// Clock.OnAdvance to have every written chunk handed over before time moves.
type AudioDevice struct {
	cfg   AudioConfig
	clock *Clock

	mu       sync.Mutex
	format   audiotransport.Format
	gen      *generator
	ctx      context.Context
	cancel   context.CancelFunc
	playEnd  time.Time
	played   []byte
	underrun uint64
	open     bool
}

// NewAudioDevice creates a simulated audio card on clock.
func NewAudioDevice(clock *Clock, cfg AudioConfig) *AudioDevice {
	return &AudioDevice{cfg: cfg, clock: clock}
}

// Open starts the device clock with the negotiated format.
func (d *AudioDevice) Open(f audiotransport.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.cfg
	cfg.Rate = f.SampleRate
	cfg.Channels = f.Channels
	cfg.SampleBits = f.SampleBits
	cfg.ChunkSize = f.ChunkSize
	d.format = f
	d.gen = newGenerator(cfg, d.clock.Now())
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.playEnd = time.Time{}
	if d.clock.Virtual() {
		// A virtual card starts playing the moment it is opened.
		d.playEnd = d.clock.Now()
	}
	d.open = true
	return nil
}

// ReadChunk blocks until the next chunk is complete.
func (d *AudioDevice) ReadChunk(buf []byte) (time.Time, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return time.Time{}, audiotransport.ErrDeviceClosed
	}
	g, ctx := d.gen, d.ctx
	j := g.next
	g.next++
	d.mu.Unlock()

	end := g.end(j)
	if err := d.clock.WaitUntil(ctx, end); err != nil {
		return time.Time{}, audiotransport.ErrDeviceClosed
	}
	if g.failed(j) {
		return time.Time{}, errors.New("simulated audio read failure")
	}
	g.render(buf, j)
	return end, nil
}

// WriteChunk queues buf behind the chunk that is playing and returns once it
// starts, with the time it will have finished. On a real clock a chunk
// written after the device ran dry starts now and is reported as an underrun.
// On a virtual clock it returns without waiting.
func (d *AudioDevice) WriteChunk(buf []byte) (time.Time, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return time.Time{}, audiotransport.ErrDeviceClosed
	}
	ctx := d.ctx
	dur := time.Duration(len(buf)) * time.Second / time.Duration(d.format.ByteRate())
	now := d.clock.Now()
	start := d.playEnd
	var err error
	if start.IsZero() {
		start = now
	} else if now.After(start) && !d.clock.Virtual() {
		start = now
		d.underrun++
		err = audiotransport.ErrUnderrun
	}
	d.playEnd = start.Add(dur)
	end := d.playEnd
	d.played = append(d.played, buf...)
	d.mu.Unlock()

	if d.clock.Virtual() {
		return end, nil
	}
	if werr := d.clock.WaitUntil(ctx, start); werr != nil {
		return time.Time{}, audiotransport.ErrDeviceClosed
	}
	return end, err
}

// Close stops the device and wakes blocked reads and writes.
func (d *AudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.open = false
	return nil
}

// Played returns a copy of everything written for playback.
func (d *AudioDevice) Played() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.played...)
}

// Underruns returns the number of playback gaps.
func (d *AudioDevice) Underruns() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.underrun
}
