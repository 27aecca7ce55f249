// Package capture records synchronized audio and video. A Session pulls
// frames from a capture device, writes them (optionally compressed by a
// worker pool) to rotating output files and interleaves captured audio so
// that the audio stream of every file plays exactly as long as its video.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/internal/fsutil"
	"github.com/drgolem/lavtools/pkg/codec"
	"github.com/drgolem/lavtools/pkg/encoderpool"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/sink"
	"github.com/drgolem/lavtools/pkg/types"
)

// AudioSource delivers captured audio without blocking, one chunk per Read.
// n is 0 when no chunk is ready. ts is the time the last sample of the chunk
// was captured, zero if unknown. audiotransport.Transport implements it.
type AudioSource interface {
	Read(buf []byte) (n int, ts time.Time, valid bool, err error)
	ChunkSize() int
}

// Clock is the time base used for polling while paused and for the
// statistics timestamps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deps are the devices and system services a session works with.
type Deps struct {
	Video  framequeue.DeviceBackend
	Audio  AudioSource // nil records video only
	Opener sink.Opener // required unless frames go to Callbacks.Video
	Clock  Clock       // defaults to the wall clock
	Tracer framequeue.Tracer

	// FreeSpace returns the MB available next to path; defaults to fsutil.FreeMB.
	FreeSpace func(path string) int64
	// SyncData flushes a file descriptor; defaults to fsutil.SyncData.
	SyncData func(fd int) error
}

// Callbacks are optional notifications. Video and Audio replace file output
// when no output names are configured.
type Callbacks struct {
	Stats func(types.CaptureStats)
	State func(types.State)
	Video func(frame []byte, count int) error
	Audio func(data []byte, samples int) error
}

// remover is implemented by openers that can delete what they created.
type remover interface {
	Remove(path string) error
}

// shutdowner is implemented by audio sources that own a device task.
type shutdowner interface {
	Shutdown()
}

// Session is one recording, from Open until the capture goroutine exits.
//
// Thread Safety Model:
//   - Start, Pause, Stop, State and CaptureStats may be called from any goroutine
//   - The output state (open files, frame and sample counters) belongs to
//     whoever holds the write turn: the capture loop for compressed devices,
//     the encoding worker whose predecessor completed otherwise
//   - stats is guarded by statsMu, state and err by stateMu
type Session struct {
	cfg    Config
	deps   Deps
	cb     Callbacks
	id     uuid.UUID
	period framePeriod
	log    *logrus.Entry

	fq       *framequeue.FrameQueue
	info     framequeue.BufferInfo
	software bool
	encoders []*codec.Encoder
	frameTs  []time.Time
	frameLen []int
	params   sink.Params
	raw      bool

	audio       AudioSource
	abuf        []byte
	bps         int
	audioT0     time.Time
	audioOffset int // bytes still to skip before the first frame

	out output

	stateMu  sync.Mutex
	state    types.State
	err      error
	deferred error // reported once the last file is complete

	statsMu sync.Mutex
	stats   types.CaptureStats

	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
}

// New validates cfg and prepares a session. No device is touched until Open.
func New(cfg Config, deps Deps, cb Callbacks) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Video == nil {
		return nil, fmt.Errorf("%w: no capture device", types.ErrConfiguration)
	}

	if (cfg.SingleFrame || cfg.TimeLapse > 1) && cfg.HasAudio() {
		logrus.WithFields(logrus.Fields{
			"function": "New",
		}).Debug("Time lapse or single frame capture, audio disabled")
		cfg.AudioBits = 0
	}
	if cfg.HasAudio() && deps.Audio == nil {
		return nil, fmt.Errorf("%w: audio requested without an audio source", types.ErrConfiguration)
	}

	raw := len(cfg.Files) == 0 && cfg.OutputPattern == ""
	switch {
	case raw && cb.Video == nil:
		return nil, fmt.Errorf("%w: no output files and no video callback", types.ErrConfiguration)
	case raw && cfg.HasAudio() && cb.Audio == nil:
		return nil, fmt.Errorf("%w: no output files and no audio callback", types.ErrConfiguration)
	case !raw && deps.Opener == nil:
		return nil, fmt.Errorf("%w: output files given without an opener", types.ErrConfiguration)
	}

	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.FreeSpace == nil {
		deps.FreeSpace = fsutil.FreeMB
	}
	if deps.SyncData == nil {
		deps.SyncData = fsutil.SyncData
	}

	id := cfg.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}

	s := &Session{
		cfg:    cfg,
		deps:   deps,
		cb:     cb,
		id:     id,
		period: periodOf(cfg.Norm),
		log:    logrus.WithField("session", id.String()),
		raw:    raw,
		state:  types.StateStopped,
	}
	if cfg.HasAudio() {
		s.audio = deps.Audio
		s.bps = cfg.bytesPerSample()
	}

	fqCfg := framequeue.DefaultConfig()
	fqCfg.Threaded = !deps.Video.Format().Compressed()
	fqCfg.DrainTimeout = cfg.StopTimeout
	fqCfg.Tracer = deps.Tracer
	s.fq = framequeue.New(deps.Video, fqCfg)
	s.software = fqCfg.Threaded
	return s, nil
}

// SessionID returns the id stamped into logs and output files.
func (s *Session) SessionID() uuid.UUID { return s.id }

// Open opens the devices and starts the capture goroutine in the paused
// state. The session runs until Stop, a fatal error or ctx is done.
func (s *Session) Open(ctx context.Context) error {
	if s.done != nil {
		return fmt.Errorf("%w: session already opened", types.ErrInvalidTransition)
	}

	info, err := s.fq.Open()
	if err != nil {
		return err
	}
	s.info = info

	if s.software {
		poolCfg := encoderpool.Config{Workers: s.cfg.Workers, Buffers: info.Count}
		if err := poolCfg.Validate(); err != nil {
			_ = s.fq.Close()
			return err
		}
		if s.fq.Format() == framequeue.FormatYUV420 {
			for w := 0; w < s.cfg.Workers; w++ {
				enc, err := codec.NewEncoder(info.Width, info.Height, s.cfg.Quality)
				if err != nil {
					_ = s.fq.Close()
					return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
				}
				s.encoders = append(s.encoders, enc)
			}
		}
	}
	s.frameTs = make([]time.Time, info.Count)
	s.frameLen = make([]int, info.Count)

	s.params = sink.Params{
		Format:    s.cfg.Format,
		Width:     info.Width,
		Height:    info.Height,
		Interlace: s.cfg.Interlace,
		FPS:       s.cfg.Norm.FPS(),
	}
	if s.audio != nil {
		s.params.AudioBits = s.cfg.AudioBits
		s.params.Channels = s.cfg.channels()
		s.params.AudioRate = s.cfg.AudioRate
		s.abuf = make([]byte, s.audio.ChunkSize())

		if s.cfg.SyncCorrection > SyncLost {
			if err := s.initAudioT0(ctx); err != nil {
				_ = s.fq.Close()
				s.shutdownAudio()
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.done = make(chan struct{})
	s.changeState(types.StatePaused)

	s.log.WithFields(logrus.Fields{
		"function": "Open",
		"buffers":  info.Count,
		"width":    info.Width,
		"height":   info.Height,
		"format":   s.fq.Format().String(),
		"software": s.software,
		"audio":    s.audio != nil,
		"norm":     s.cfg.Norm.String(),
	}).Info("Capture session opened")

	go s.run(runCtx)
	return nil
}

// Start begins recording from the paused state.
func (s *Session) Start() error {
	if !s.changeStateIf(types.StateActive, types.StatePaused) {
		return fmt.Errorf("%w: start from %s", types.ErrInvalidTransition, s.State())
	}
	return nil
}

// Pause stops writing frames; audio keeps being drained.
func (s *Session) Pause() error {
	if !s.changeStateIf(types.StatePaused, types.StateActive) {
		return fmt.Errorf("%w: pause from %s", types.ErrInvalidTransition, s.State())
	}
	return nil
}

// Stop ends the session and waits for the capture goroutine. A capture
// loop blocked on the device longer than StopTimeout is canceled. The
// returned error is the failure that ended the session, if any.
func (s *Session) Stop() error {
	s.changeState(types.StateStopped)
	if s.done == nil {
		return nil
	}

	select {
	case <-s.loopDone:
	case <-time.After(s.cfg.StopTimeout):
		s.log.WithFields(logrus.Fields{
			"function": "Stop",
			"timeout":  s.cfg.StopTimeout,
		}).Warn("Capture loop did not stop in time, canceling")
		s.cancel()
	}
	<-s.done
	return s.Err()
}

// Wait blocks until the session has stopped and returns its error.
func (s *Session) Wait() error {
	if s.done == nil {
		return nil
	}
	<-s.done
	return s.Err()
}

// Done is closed once the capture goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// State returns the current session state.
func (s *Session) State() types.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// CaptureStats returns a copy of the running statistics.
func (s *Session) CaptureStats() types.CaptureStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Session) changeState(to types.State) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()
	s.notifyState(from, to)
}

// changeStateIf moves to to only from from.
func (s *Session) changeStateIf(to, from types.State) bool {
	s.stateMu.Lock()
	if s.state != from {
		s.stateMu.Unlock()
		return false
	}
	s.state = to
	s.stateMu.Unlock()
	s.notifyState(from, to)
	return true
}

func (s *Session) notifyState(from, to types.State) {
	if from == to {
		return
	}
	s.log.WithFields(logrus.Fields{
		"function": "changeState",
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Capture state changed")
	if s.cb.State != nil {
		s.cb.State(to)
	}
}

// fail records the first fatal error and stops the session.
func (s *Session) fail(err error) {
	s.stateMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.stateMu.Unlock()
	s.changeState(types.StateStopped)
}

// failAfterDrain stops the session with err but lets the previous file
// receive its remaining audio first.
func (s *Session) failAfterDrain(err error) {
	s.stateMu.Lock()
	if s.deferred == nil {
		s.deferred = err
	}
	s.stateMu.Unlock()
	s.changeState(types.StateStopped)
}

func (s *Session) updateStats(fn func(st *types.CaptureStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Session) shutdownAudio() {
	if sd, ok := s.audio.(shutdowner); ok {
		sd.Shutdown()
	}
}

// run is the capture goroutine.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	err := s.recordingCycle(ctx)
	close(s.loopDone)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "run",
			"error":    err,
		}).Error("Recording failed")
	}

	if ferr := s.finishOutput(ctx, err); err == nil {
		err = ferr
	}
	if err == nil {
		s.stateMu.Lock()
		err = s.deferred
		s.stateMu.Unlock()
	}
	if cerr := s.fq.Close(); cerr != nil {
		s.log.WithFields(logrus.Fields{
			"function": "run",
			"error":    cerr,
		}).Warn("Failed to close capture device")
	}
	s.shutdownAudio()

	if err != nil {
		s.fail(err)
	} else {
		s.changeState(types.StateStopped)
	}

	st := s.CaptureStats()
	s.log.WithFields(logrus.Fields{
		"function": "run",
		"syncs":    st.Syncs,
		"lost":     st.Lost,
		"frames":   st.Frames,
		"samples":  st.AudioSamples,
		"inserted": st.Inserted,
		"deleted":  st.Deleted,
	}).Info("Capture session finished")
}

// recordingCycle alternates between waiting and recording until stopped.
func (s *Session) recordingCycle(ctx context.Context) error {
	for {
		var err error
		switch s.State() {
		case types.StatePaused:
			err = s.waitForStart(ctx)
		case types.StateActive:
			err = s.record(ctx)
		default:
			return nil
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			if ctx.Err() != nil && s.State() == types.StateStopped {
				// canceled by Stop
				return nil
			}
			return err
		}
	}
}

// record runs one recording stretch: every buffer is queued, frames are
// synced until the session leaves the recording state, then the pipeline is
// drained and the buffers are taken back from the device.
func (s *Session) record(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.fq.Start(runCtx); err != nil {
		return err
	}

	var pool *encoderpool.Pool
	if s.software {
		var err error
		pool, err = encoderpool.New(
			encoderpool.Config{Workers: s.cfg.Workers, Buffers: s.info.Count},
			encoderpool.Hooks{
				Encode: s.encodeFrame,
				Write: func(index int, frame []byte, count int) error {
					return s.writeVideo(frame, count)
				},
				Audio: func(index int) error {
					return s.handleAudio(s.frameTs[index])
				},
				Release: s.fq.Release,
			})
		if err != nil {
			s.fq.Stop()
			return err
		}
		pool.Start(runCtx)
		go func() {
			select {
			case <-pool.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	loopErr := s.captureLoop(runCtx, pool)

	if pool != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		if err := pool.Flush(fctx); err != nil && !framequeue.IsStopped(err) {
			s.log.WithFields(logrus.Fields{
				"function": "record",
				"error":    err,
			}).Warn("Failed to flush encoding workers")
		}
		fcancel()
		if err := pool.Stop(); err != nil && loopErr == nil {
			loopErr = err
		}
	}
	s.fq.Stop()
	return loopErr
}

// captureLoop syncs frames while recording and decides how often each one
// is written.
func (s *Session) captureLoop(ctx context.Context, pool *encoderpool.Pool) error {
	syncLim := 1.5 * s.period.seconds()

	var syncs, firstSeq uint64
	var lostTotal int64

	for s.State() == types.StateActive {
		info, err := s.fq.Sync(ctx)
		if err != nil {
			if framequeue.IsStopped(err) {
				return nil
			}
			return err
		}
		now := s.deps.Clock.Now()
		syncs++

		if syncs == 1 {
			firstSeq = info.Sequence
			s.audioOffset = s.firstAudioOffset(info.Timestamp)
		}

		write, nfout := true, 1
		changed := false
		switch {
		case s.cfg.SingleFrame:
			s.changeStateIf(types.StatePaused, types.StateActive)
		case s.cfg.TimeLapse > 1:
			write = syncs%uint64(s.cfg.TimeLapse) == 0
		default:
			lost := int64(info.Sequence) - int64(syncs) - int64(firstSeq) + 1
			newly := lost - lostTotal
			if newly < 0 {
				newly = 0
			} else {
				lostTotal = lost
			}
			if newly > 0 {
				changed = true
				s.log.WithFields(logrus.Fields{
					"function": "captureLoop",
					"sequence": info.Sequence,
					"lost":     newly,
				}).Warn("Device lost frames")
			}
			if s.cfg.SyncCorrection > SyncNone {
				nfout += int(newly)
			}

			s.statsMu.Lock()
			s.stats.Lost += uint64(newly)
			if s.cfg.SyncCorrection > SyncLost {
				drift := s.stats.TDiff1 - s.stats.TDiff2
				switch {
				case drift < -syncLim:
					nfout++
					s.stats.Inserted++
					s.stats.TDiff1 += s.period.seconds()
					changed = true
				case drift > syncLim:
					nfout--
					s.stats.Deleted++
					s.stats.TDiff1 -= s.period.seconds()
					changed = true
				}
			}
			s.statsMu.Unlock()
		}
		if nfout < 0 {
			nfout = 0
		}

		s.updateStats(func(st *types.CaptureStats) {
			st.Syncs++
			st.CurSync = now
			if st.PrevSync.IsZero() {
				st.PrevSync = now
			}
			st.Changed = st.Changed || changed
		})

		s.frameTs[info.Index] = info.Timestamp
		s.frameLen[info.Index] = info.Length
		count := 0
		if write {
			count = nfout
		}

		if pool != nil {
			if err := pool.Submit(info.Index, count); err != nil {
				return nil
			}
			continue
		}

		if count > 0 {
			frame := s.fq.Buffer(info.Index)[:info.Length]
			err = s.writeVideo(frame, count)
		}
		if err == nil {
			err = s.handleAudio(info.Timestamp)
		}
		if rerr := s.fq.Release(info.Index); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// encodeFrame compresses buffer index on the worker that owns it.
func (s *Session) encodeFrame(index int) ([]byte, error) {
	frame := s.fq.Buffer(index)[:s.frameLen[index]]
	if len(s.encoders) == 0 {
		return frame, nil
	}
	return s.encoders[index%len(s.encoders)].Encode(frame)
}

// writeVideo hands a frame to the output files or the video callback.
func (s *Session) writeVideo(frame []byte, count int) error {
	if s.cfg.RecordTime > 0 && s.period.duration(s.out.frames) >= s.cfg.RecordTime &&
		s.State() != types.StateStopped {
		s.log.WithFields(logrus.Fields{
			"function": "writeVideo",
			"frames":   s.out.frames,
		}).Info("Recording time reached, stopping")
		s.changeState(types.StateStopped)
	}

	if !s.raw {
		return s.outputVideoFrame(frame, count)
	}
	if s.State() == types.StateStopped {
		return nil
	}
	if err := s.cb.Video(frame, count); err != nil {
		return fmt.Errorf("video callback: %w", err)
	}
	s.out.frames += uint64(count)
	s.publishCounters()
	return nil
}
