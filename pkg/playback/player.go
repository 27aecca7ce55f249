// Package playback plays recordings with audio and video kept in step. A
// Player walks an editlist of frames, keeps every output buffer queued and
// skips audio or video whenever the two streams drift more than one frame
// period apart.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/audioframe"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/types"
)

// Deps are the devices a player works with.
type Deps struct {
	Output VideoOutput
	Audio  AudioOutput // nil plays video only
	Clock  Clock       // defaults to the wall clock
}

// Callbacks are optional notifications.
type Callbacks struct {
	Stats func(types.PlaybackStats)
	State func(types.State)
}

// Player is one playback session, from Start until the play goroutine exits.
//
// Thread Safety Model:
//   - SetSpeed, IncreaseFrame, SetFrame, SetPlayableRange, ToggleAudio and
//     the getters may be called from any goroutine
//   - The output buffers and the audio writer belong to the play goroutine
//   - current, min, max, speed and muted are guarded by ctlMu; state and err
//     by stateMu; stats by statsMu
type Player struct {
	cfg  Config
	src  Source
	deps Deps
	cb   Callbacks
	id   uuid.UUID
	log  *logrus.Entry

	spvf     float64
	spas     float64
	info     framequeue.BufferInfo
	vbuf     []byte
	af       *audioframe.AudioFrame
	hasAudio bool
	bps      int
	written  uint64 // audio bytes handed to the transport

	ctlMu    sync.Mutex
	current  int
	minFrame int
	maxFrame int
	speed    int
	muted    bool

	stateMu sync.Mutex
	state   types.State
	err     error

	statsMu sync.Mutex
	stats   types.PlaybackStats

	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
}

// New validates cfg and prepares a player for src. No device is touched
// until Start.
func New(cfg Config, src Source, deps Deps, cb Callbacks) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || src.NumFrames() == 0 {
		return nil, fmt.Errorf("%w: nothing to play", types.ErrConfiguration)
	}
	if deps.Output == nil {
		return nil, fmt.Errorf("%w: no video output", types.ErrConfiguration)
	}
	if cfg.Mode != SoftwareDecode {
		if _, ok := deps.Output.(HardwareDevice); !ok {
			return nil, fmt.Errorf("%w: %s playback needs a hardware device", types.ErrConfiguration, cfg.Mode)
		}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}

	norm := src.Norm()
	p := &Player{
		cfg:      cfg,
		src:      src,
		deps:     deps,
		cb:       cb,
		id:       cfg.SessionID,
		spvf:     norm.SecondsPerFrame(),
		maxFrame: src.NumFrames() - 1,
	}
	p.log = logrus.WithFields(logrus.Fields{
		"component": "playback",
		"session":   p.id.String(),
	})

	if format, ok := src.AudioFormat(); ok && deps.Audio != nil && cfg.AudioMask != 0 {
		p.hasAudio = true
		p.bps = format.BytesPerSample()
		p.spas = 1.0 / float64(format.SampleRate)
		p.af = audioframe.New(format, norm)
	}
	p.stats.Norm = norm
	return p, nil
}

// SessionID returns the id of the session.
func (p *Player) SessionID() uuid.UUID { return p.id }

// Start opens the output and begins playing at the configured speed.
func (p *Player) Start(ctx context.Context) error {
	if p.done != nil {
		return fmt.Errorf("%w: player already started", types.ErrInvalidTransition)
	}

	if hw, ok := p.deps.Output.(HardwareDevice); ok && p.cfg.Mode != SoftwareDecode {
		if err := hw.SetOnscreen(p.cfg.Mode == HardwareOnscreen); err != nil {
			return fmt.Errorf("%w: select display: %v", types.ErrDevice, err)
		}
	}
	info, err := p.deps.Output.Open()
	if err != nil {
		if errors.Is(err, types.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%w: open video output: %v", types.ErrDevice, err)
	}
	p.info = info
	p.vbuf = make([]byte, 0, info.Size)

	p.log.WithFields(logrus.Fields{
		"function": "Start",
		"mode":     p.cfg.Mode.String(),
		"frames":   p.src.NumFrames(),
		"buffers":  info.Count,
		"audio":    p.hasAudio,
		"norm":     p.src.Norm().String(),
	}).Info("Starting playback")

	ctx, p.cancel = context.WithCancel(ctx)
	p.loopDone = make(chan struct{})
	p.done = make(chan struct{})

	p.changeState(types.StatePaused)
	p.SetSpeed(p.cfg.Speed)

	go p.run(ctx)
	return nil
}

// Stop ends playback and waits for the play goroutine. A loop blocked on the
// output longer than StopTimeout is canceled.
func (p *Player) Stop() error {
	p.changeState(types.StateStopped)
	if p.done == nil {
		return nil
	}

	select {
	case <-p.loopDone:
	case <-time.After(p.cfg.StopTimeout):
		p.log.WithFields(logrus.Fields{
			"function": "Stop",
			"timeout":  p.cfg.StopTimeout,
		}).Warn("Playback loop did not stop in time, canceling")
		p.cancel()
	}
	<-p.done
	return p.Err()
}

// Wait blocks until playback has stopped and returns its error.
func (p *Player) Wait() error {
	if p.done == nil {
		return nil
	}
	<-p.done
	return p.Err()
}

// Done is closed once the play goroutine has exited.
func (p *Player) Done() <-chan struct{} { return p.done }

// Err returns the failure that ended playback, if any.
func (p *Player) Err() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.err
}

// State returns the current state.
func (p *Player) State() types.State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// PlaybackStats returns a copy of the running statistics.
func (p *Player) PlaybackStats() types.PlaybackStats {
	p.statsMu.Lock()
	st := p.stats
	p.statsMu.Unlock()

	p.ctlMu.Lock()
	st.Frame = p.current
	st.Speed = p.speed
	st.Audio = p.hasAudio && !p.muted
	p.ctlMu.Unlock()
	return st
}

// OutputStatus returns the live count of frames shown and frames that failed.
func (p *Player) OutputStatus() types.OutputStatus {
	return p.deps.Output.Status()
}

// Frame returns the number of the frame queued next.
func (p *Player) Frame() int {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	return p.current
}

// Speed returns the playback speed in frames per frame period.
func (p *Player) Speed() int {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	return p.speed
}

// SetSpeed changes the speed. Moving past the end of the playable range is
// refused. Speed 0 pauses.
func (p *Player) SetSpeed(speed int) bool {
	p.ctlMu.Lock()
	if (speed > 0 && p.current == p.maxFrame) || (speed < 0 && p.current == p.minFrame) {
		p.ctlMu.Unlock()
		p.log.WithFields(logrus.Fields{
			"function": "SetSpeed",
			"speed":    speed,
			"frame":    p.Frame(),
		}).Warn("Cannot play past the end of the playable range")
		return false
	}
	to, changed := p.setSpeedLocked(speed)
	p.ctlMu.Unlock()

	if changed {
		p.changeStateUnlessStopped(to)
	}
	return true
}

// setSpeedLocked returns the state the new speed calls for, and whether
// the speed went from 0 to non-0 or back.
func (p *Player) setSpeedLocked(speed int) (types.State, bool) {
	changed := (p.speed == 0) != (speed == 0)
	p.speed = speed
	if speed == 0 {
		return types.StatePaused, changed
	}
	return types.StateActive, changed
}

// IncreaseFrame moves the current frame by n. Past the end of the playable
// range the frame is clamped, playing toward that end pauses, and false is
// returned.
func (p *Player) IncreaseFrame(n int) bool {
	p.ctlMu.Lock()
	ok, to, changed := p.increaseLocked(n)
	p.ctlMu.Unlock()

	if changed {
		p.changeStateUnlessStopped(to)
	}
	return ok
}

func (p *Player) increaseLocked(n int) (ok bool, to types.State, changed bool) {
	p.current += n
	if p.current < p.minFrame {
		p.current = p.minFrame
		if p.speed < 0 {
			to, changed = p.setSpeedLocked(0)
		}
		return false, to, changed
	}
	if p.current > p.maxFrame {
		p.current = p.maxFrame
		if p.speed > 0 {
			to, changed = p.setSpeedLocked(0)
		}
		return false, to, changed
	}
	return true, to, false
}

// SetFrame jumps to frame n, clamped to the playable range.
func (p *Player) SetFrame(n int) bool {
	p.ctlMu.Lock()
	ok, to, changed := p.increaseLocked(n - p.current)
	p.ctlMu.Unlock()

	if changed {
		p.changeStateUnlessStopped(to)
	}
	return ok
}

// SetPlayableRange limits playback to frames start..end. A negative start
// selects every frame.
func (p *Player) SetPlayableRange(start, end int) error {
	n := p.src.NumFrames()
	if start < 0 {
		start, end = 0, n-1
	}
	if end < start || end >= n || start >= n {
		return fmt.Errorf("%w: incorrect frame range %d-%d of %d frames", types.ErrConfiguration, start, end, n)
	}

	p.ctlMu.Lock()
	p.minFrame, p.maxFrame = start, end
	var to types.State
	var changed bool
	if p.current < start || p.current > end {
		_, to, changed = p.increaseLocked(0)
	}
	p.ctlMu.Unlock()

	if changed {
		p.changeStateUnlessStopped(to)
	}
	return nil
}

// ToggleAudio mutes or unmutes the audio.
func (p *Player) ToggleAudio(on bool) error {
	if !p.hasAudio {
		return fmt.Errorf("%w: audio is not enabled", types.ErrConfiguration)
	}
	p.ctlMu.Lock()
	p.muted = !on
	p.ctlMu.Unlock()
	return nil
}

func (p *Player) changeState(to types.State) {
	p.stateMu.Lock()
	from := p.state
	p.state = to
	p.stateMu.Unlock()
	p.notifyState(from, to)
}

// changeStateUnlessStopped follows a speed change without reviving a
// stopped player.
func (p *Player) changeStateUnlessStopped(to types.State) {
	p.stateMu.Lock()
	from := p.state
	if from == types.StateStopped {
		p.stateMu.Unlock()
		return
	}
	p.state = to
	p.stateMu.Unlock()
	p.notifyState(from, to)
}

func (p *Player) notifyState(from, to types.State) {
	if from == to {
		return
	}
	p.log.WithFields(logrus.Fields{
		"function": "changeState",
		"from":     from.String(),
		"to":       to.String(),
	}).Info("Playback state changed")
	if p.cb.State != nil {
		p.cb.State(to)
	}
}

func (p *Player) fail(err error) {
	p.stateMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.stateMu.Unlock()
	p.changeState(types.StateStopped)
}

func (p *Player) updateStats(fn func(st *types.PlaybackStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

func (p *Player) shutdownAudio() {
	if !p.hasAudio {
		return
	}
	if sd, ok := p.deps.Audio.(shutdowner); ok {
		sd.Shutdown()
	}
}

// run is the play goroutine.
func (p *Player) run(ctx context.Context) {
	defer close(p.done)

	err := p.playbackCycle(ctx)
	close(p.loopDone)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "run",
			"error":    err,
		}).Error("Playback failed")
	}

	if cerr := p.deps.Output.Close(); cerr != nil {
		p.log.WithFields(logrus.Fields{
			"function": "run",
			"error":    cerr,
		}).Warn("Failed to close video output")
	}
	p.shutdownAudio()

	if err != nil {
		p.fail(err)
	} else {
		p.changeState(types.StateStopped)
	}

	st := p.PlaybackStats()
	status := p.deps.Output.Status()
	p.log.WithFields(logrus.Fields{
		"function":      "run",
		"frames_output": status.FramesOutput,
		"frames_error":  status.FramesError,
		"synced":        st.NSync,
		"corrs_a":       st.CorrsA,
		"corrs_b":       st.CorrsB,
		"audio_errors":  st.AudioErrors,
	}).Info("Playback session finished")
}

// playbackCycle keeps every output buffer queued until the editlist ends or
// the player is stopped.
func (p *Player) playbackCycle(ctx context.Context) error {
	count := uint64(p.info.Count)
	var nqueue, nsync, firstFree uint64
	var nvcorr int64
	ended := false

	for nqueue < count && !ended {
		idx := int(nqueue % count)
		more, length, err := p.queueNextFrame(idx, false, false, false)
		if err != nil {
			return err
		}
		if err := p.queue(idx, length); err != nil {
			return err
		}
		nqueue++
		ended = !more
	}
	p.updateStats(func(st *types.PlaybackStats) { st.NQueue = nqueue })
	if p.hasAudio {
		p.deps.Audio.Start()
	}

	for !ended && p.State() != types.StateStopped {
		// Take back every buffer that finished more than a frame ago, but
		// keep at least one on the output.
		var ts time.Time
		for {
			bs, err := p.sync(ctx)
			if err != nil {
				if framequeue.IsStopped(err) && p.State() == types.StateStopped {
					return nil
				}
				return err
			}
			if uint64(bs.Index) != nsync%count {
				return fmt.Errorf("%w: bad frame order, got buffer %d, expected %d",
					types.ErrDevice, bs.Index, nsync%count)
			}
			nsync++
			ts = bs.Timestamp
			late := p.deps.Clock.Now().Sub(ts).Seconds()
			if late <= p.spvf || nsync-firstFree >= count-1 {
				break
			}
		}
		if int64(nsync-firstFree) > int64(count)-3 {
			p.log.WithFields(logrus.Fields{
				"function": "playbackCycle",
				"free":     nsync - firstFree,
			}).Warn("Output too slow, can not keep pace")
		}

		tdiff1, tdiff2 := p.drift(ts, nsync, nvcorr)

		p.updateStats(func(st *types.PlaybackStats) {
			st.NSync = nsync
			st.TDiff = tdiff1 - tdiff2
		})

		corrsA, corrsB := uint64(0), uint64(0)
		tdiff := tdiff1 - tdiff2
		n := firstFree
		for n < nsync {
			idx := int(n % count)
			skipv, skipa, skipi := false, false, false
			if p.cfg.SyncCorrection {
				if tdiff > p.spvf {
					skipa = true
					skipi = p.cfg.SyncInsertFrames
					nvcorr++
					corrsA++
					tdiff -= p.spvf
				}
				if tdiff < -p.spvf {
					skipv = true
					skipi = !p.cfg.SyncSkipFrames
					nvcorr--
					corrsB++
					tdiff += p.spvf
				}
			}

			more, length, err := p.queueNextFrame(idx, skipv, skipa, skipi)
			if err != nil {
				return err
			}
			if !more {
				ended = true
			}
			if skipv {
				if ended {
					break
				}
				continue
			}
			if err := p.queue(idx, length); err != nil {
				return err
			}
			nqueue++
			n++
			if ended {
				break
			}
		}
		firstFree = n

		p.publishStats(nqueue, corrsA, corrsB)
	}

	if !ended {
		return nil
	}
	return p.drain(ctx, nqueue, nsync)
}

// drift returns the audio/video distance by counts and by timestamps. Both
// are zero without audio.
func (p *Player) drift(videoTs time.Time, nsync uint64, nvcorr int64) (tdiff1, tdiff2 float64) {
	if !p.hasAudio {
		return 0, 0
	}
	audioTs, output, failed := p.deps.Audio.OutputStatus()
	p.updateStats(func(st *types.PlaybackStats) {
		st.AudioBuffers = output
		if failed != st.AudioErrors {
			st.AudioErrors = failed
			st.Changed = true
		}
	})
	if audioTs.IsZero() {
		return 0, 0
	}
	samplesPerChunk := float64(p.deps.Audio.ChunkSize() / p.bps)
	tdiff1 = p.spvf*float64(int64(nsync)-nvcorr) - p.spas*samplesPerChunk*float64(output)
	tdiff2 = videoTs.Sub(audioTs).Seconds()
	return tdiff1, tdiff2
}

func (p *Player) publishStats(nqueue, corrsA, corrsB uint64) {
	p.updateStats(func(st *types.PlaybackStats) {
		st.NQueue = nqueue
		st.CorrsA += corrsA
		st.CorrsB += corrsB
		if corrsA > 0 || corrsB > 0 {
			st.Changed = true
		}
	})
	st := p.PlaybackStats()
	p.updateStats(func(st *types.PlaybackStats) { st.Changed = false })
	if p.cb.Stats != nil {
		p.cb.Stats(st)
	}
}

// queueNextFrame copies the current frame into buffer idx, writes its audio
// and advances to the next frame. It returns false once the editlist has
// ended.
func (p *Player) queueNextFrame(idx int, skipv, skipa, skipi bool) (bool, int, error) {
	p.ctlMu.Lock()
	frame, speed, muted := p.current, p.speed, p.muted
	p.ctlMu.Unlock()

	length := 0
	if !skipv {
		data, err := p.src.ReadFrame(frame, p.vbuf)
		if err != nil {
			return false, 0, fmt.Errorf("%w: read frame %d: %v", types.ErrOutput, frame, err)
		}
		p.vbuf = data
		buf := p.deps.Output.Buffer(idx)
		if len(data) > len(buf) {
			return false, 0, fmt.Errorf("%w: frame %d is %d bytes, buffers hold %d",
				types.ErrResourceExhausted, frame, len(data), len(buf))
		}
		length = copy(buf, data)
	}

	if p.hasAudio && !skipa {
		if err := p.src.ReadAudio(frame, p.af); err != nil {
			return false, 0, fmt.Errorf("%w: read audio of frame %d: %v", types.ErrOutput, frame, err)
		}
		if muted || !audible(p.cfg.AudioMask, speed) {
			p.af.Silence()
		} else if speed < 0 {
			p.af.Reverse()
		}
		if err := p.writeAudio(p.af.Audio); err != nil {
			return false, 0, err
		}
	}

	if !skipi {
		if !p.IncreaseFrame(speed) && !p.cfg.Continuous {
			return false, length, nil
		}
	}
	return true, length, nil
}

func (p *Player) writeAudio(data []byte) error {
	n, err := p.deps.Audio.Write(data)
	p.written += uint64(n)
	if err != nil {
		return fmt.Errorf("%w: playing audio: %v", types.ErrAudioTask, err)
	}
	return nil
}

func (p *Player) queue(idx, length int) error {
	if err := p.deps.Output.Queue(idx, length, 1); err != nil {
		if errors.Is(err, types.ErrStopped) {
			return err
		}
		return fmt.Errorf("%w: queue buffer %d: %v", types.ErrDevice, idx, err)
	}
	return nil
}

// sync waits for the next shown buffer, retrying interrupted waits.
func (p *Player) sync(ctx context.Context) (framequeue.SyncInfo, error) {
	for {
		bs, err := p.deps.Output.Sync(ctx)
		if err == nil {
			return bs, nil
		}
		if errors.Is(err, types.ErrInterrupted) {
			continue
		}
		if framequeue.IsStopped(err) {
			return bs, err
		}
		return bs, fmt.Errorf("%w: sync: %v", types.ErrDevice, err)
	}
}

// drain lets the buffers still on the output and the audio already written
// finish playing. A Stop cuts it short.
func (p *Player) drain(ctx context.Context, nqueue, nsync uint64) error {
	for nsync < nqueue && p.State() != types.StateStopped {
		if _, err := p.sync(ctx); err != nil {
			if framequeue.IsStopped(err) {
				return nil
			}
			return err
		}
		nsync++
	}
	p.updateStats(func(st *types.PlaybackStats) { st.NSync = nsync })

	if !p.hasAudio {
		return nil
	}
	chunk := uint64(p.deps.Audio.ChunkSize())
	if chunk == 0 {
		return nil
	}
	target := p.written / chunk

	clock := p.deps.Clock
	deadline := clock.Now().Add(p.cfg.StopTimeout)
	var seen uint64
	for p.State() != types.StateStopped {
		ts, output, failed := p.deps.Audio.OutputStatus()
		p.updateStats(func(st *types.PlaybackStats) {
			st.AudioBuffers = output
			st.AudioErrors = failed
		})
		if output >= target {
			if wait := ts.Sub(clock.Now()); wait > 0 {
				if err := clock.Sleep(ctx, wait); err != nil {
					return nil
				}
			}
			return nil
		}
		if output > seen {
			seen = output
			deadline = clock.Now().Add(p.cfg.StopTimeout)
		}
		if clock.Now().After(deadline) {
			p.log.WithFields(logrus.Fields{
				"function": "drain",
				"output":   output,
				"expected": target,
			}).Warn("Audio did not finish playing")
			return nil
		}
		if err := clock.Sleep(ctx, drainPoll); err != nil {
			return nil
		}
	}
	return nil
}
