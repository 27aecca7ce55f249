package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/types"
)

// initAudioT0 waits for the first timestamped audio chunk. Its time is the
// reference the first video frame is aligned to.
func (s *Session) initAudioT0(ctx context.Context) error {
	for i := 0; i < s.cfg.AudioTries; i++ {
		n, ts, _, err := s.audio.Read(s.abuf)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if n > 0 && !ts.IsZero() {
			s.audioT0 = ts
			s.log.WithFields(logrus.Fields{
				"function": "initAudioT0",
				"tries":    i + 1,
			}).Debug("Got audio start time")
			return nil
		}
		if err := s.deps.Clock.Sleep(ctx, s.cfg.AudioTryInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: no timestamped audio after %d reads", types.ErrDevice, s.cfg.AudioTries)
}

// waitForStart polls the state while paused. Captured audio is discarded so
// the transport cannot overflow; the last chunk time becomes the new
// audio reference.
func (s *Session) waitForStart(ctx context.Context) error {
	for s.State() == types.StatePaused {
		if err := s.deps.Clock.Sleep(ctx, s.cfg.PausePoll); err != nil {
			return err
		}
		if s.audio == nil {
			continue
		}
		for {
			n, ts, _, err := s.audio.Read(s.abuf)
			if err != nil {
				return fmt.Errorf("read audio while paused: %w", err)
			}
			if n == 0 {
				break
			}
			if !ts.IsZero() {
				s.audioT0 = ts
			}
		}
	}
	return nil
}

// firstAudioOffset returns the bytes of captured audio that precede the
// start of the first frame.
func (s *Session) firstAudioOffset(first time.Time) int {
	if s.audio == nil || s.cfg.SyncCorrection <= SyncLost || s.audioT0.IsZero() {
		return 0
	}
	lead := first.Sub(s.audioT0).Seconds() - s.period.seconds()
	samples := int(lead * float64(s.cfg.AudioRate))
	if samples < 0 {
		s.log.WithFields(logrus.Fields{
			"function": "firstAudioOffset",
			"lead":     lead,
		}).Debug("Audio started after the first frame")
		return 0
	}
	return samples * s.bps
}

// handleAudio reads the audio that has become due after a frame was written:
// chunks are consumed while the audio written so far, plus one chunk, does
// not run ahead of the video. Once the session is stopping the remaining
// audio is read without that limit. frameTs is the capture time of the frame,
// zero when there is none.
func (s *Session) handleAudio(frameTs time.Time) error {
	if s.audio != nil {
		if err := s.readAudio(frameTs); err != nil {
			return err
		}
	}

	s.statsMu.Lock()
	st := s.stats
	s.stats.Changed = false
	s.stats.PrevSync = s.stats.CurSync
	s.statsMu.Unlock()
	if s.cb.Stats != nil {
		s.cb.Stats(st)
	}
	return nil
}

func (s *Session) readAudio(frameTs time.Time) error {
	o := &s.out
	chunk := uint64(len(s.abuf) / s.bps)
	rate := uint64(s.cfg.AudioRate)

	for {
		if o.status < outAudioOnly {
			// frames*spvf < (asamps+chunk)*spas
			video := o.frames * rate * uint64(s.period.num)
			audio := (o.asamps + chunk) * uint64(s.period.den)
			if video < audio {
				return nil
			}
		}

		n, ats, valid, err := s.audio.Read(s.abuf)
		if err != nil {
			if !s.raw {
				s.closeFilesOnError()
			}
			return fmt.Errorf("read audio: %w", err)
		}
		if n == 0 {
			return nil
		}
		if !valid {
			s.updateStats(func(st *types.CaptureStats) {
				st.AudioErrors++
				st.Changed = true
			})
			s.log.WithFields(logrus.Fields{
				"function": "handleAudio",
				"samples":  o.asamps,
			}).Warn("Audio buffer corrupted")
		}

		if s.audioOffset >= n {
			s.audioOffset -= n
			continue
		}
		data := s.abuf[s.audioOffset:n]
		s.audioOffset = 0

		if err := s.audioCaptured(data, len(data)/s.bps); err != nil {
			return err
		}
		if !s.raw && o.status == outNone {
			// the last file is complete
			return nil
		}

		if !ats.IsZero() && !frameTs.IsZero() {
			tdiff1 := float64(o.frames)*s.period.seconds() - float64(o.asamps)/float64(s.cfg.AudioRate)
			tdiff2 := frameTs.Sub(ats).Seconds()
			s.updateStats(func(st *types.CaptureStats) {
				st.TDiff1 = tdiff1
				st.TDiff2 = tdiff2
			})
		}
	}
}
