package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/sink"
	"github.com/drgolem/lavtools/pkg/types"
)

// outputStatus tracks which output files are open.
type outputStatus int

const (
	outNone      outputStatus = iota // no file open
	outNormal                        // one file receives video and audio
	outDraining                      // video went to a new file, the previous one still gets audio
	outAudioOnly                     // stopping, only the previous file still gets audio
)

func (s outputStatus) String() string {
	switch s {
	case outNone:
		return "none"
	case outNormal:
		return "normal"
	case outDraining:
		return "draining"
	case outAudioOnly:
		return "audio-only"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// output is the file state owned by the writer.
type output struct {
	status  outputStatus
	cur     sink.Sink
	old     sink.Sink
	curName string
	oldName string

	fileNo      int   // files numbered so far, or the next index into the file list
	bytesCur    int64 // bytes written to cur
	lastChecked int64 // bytesCur at the last free space query
	freeMB      int64

	frames    uint64 // video frames written, repeats included
	asamps    uint64 // audio samples written
	framesOld uint64 // frames written when cur became old
}

var errAudioAhead = errors.New("audio ahead of video")

func (s *Session) publishCounters() {
	frames, asamps := s.out.frames, s.out.asamps
	s.updateStats(func(st *types.CaptureStats) {
		st.Frames = frames
		st.AudioSamples = asamps
	})
}

// checkFreeSpace refreshes the free space estimate every CheckIntervalMB
// written, or sooner when the file system is close to the limit.
func (s *Session) checkFreeSpace() {
	o := &s.out
	n := (o.bytesCur - o.lastChecked) >> 20
	if n > s.cfg.CheckIntervalMB || n > o.freeMB-s.cfg.MinFreeMB {
		o.freeMB = s.deps.FreeSpace(o.curName)
		o.lastChecked = o.bytesCur
	}
}

// outputVideoFrame writes frame count times, rotating output files as needed.
func (s *Session) outputVideoFrame(frame []byte, count int) error {
	o := &s.out
	if o.status == outAudioOnly {
		return nil
	}
	if o.status > outNone {
		s.checkFreeSpace()
	}
	stop := s.State() == types.StateStopped
	fields := logrus.Fields{"function": "outputVideoFrame", "file": o.curName}

	openNew := false
	switch {
	case o.status > outNone && s.cfg.MaxFileSizeMB > 0 && o.bytesCur>>20 > s.cfg.MaxFileSizeMB:
		s.log.WithFields(fields).Info("Max file size reached, opening next output file")
		openNew = true
	case s.cfg.MaxFileFrames > 0 && o.frames > 0 && o.frames%s.cfg.MaxFileFrames == 0:
		s.log.WithFields(fields).Info("Max number of frames reached, opening next output file")
		openNew = true
	case o.status > outNone && o.freeMB < s.cfg.MinFreeMB:
		s.log.WithFields(fields).Info("File system is nearly full, opening next output file")
		openNew = true
	case s.cfg.Format == 'j':
		openNew = true
	}

	if o.status > outNone && (openNew || stop) {
		if s.audio != nil {
			if o.status != outNormal {
				name := o.oldName
				s.closeFilesOnError()
				return fmt.Errorf("%w: previous file %s still open", types.ErrAudioBehind, name)
			}
			s.log.WithFields(fields).Debug("Closing video of current file, waiting for its audio")
			o.old, o.oldName = o.cur, o.curName
			o.cur, o.curName = nil, ""
			o.framesOld = o.frames
			if stop {
				o.status = outAudioOnly
				return nil
			}
			o.status = outDraining
		} else {
			if err := s.closeCur(); err != nil {
				return err
			}
			if stop {
				o.status = outNone
				return nil
			}
		}
	}
	if stop {
		return nil
	}

	if o.status == outNone || openNew {
		if err := s.openNext(); err != nil {
			if o.status == outDraining {
				// keep the previous file alive until its audio is complete
				o.status = outAudioOnly
				s.failAfterDrain(err)
				return nil
			}
			return err
		}
	}

	if err := o.cur.WriteVideoFrame(frame, count); err != nil {
		name := o.curName
		s.closeFilesOnError()
		return fmt.Errorf("%w: write %s: %v", types.ErrOutput, name, err)
	}
	o.bytesCur += int64(len(frame) * count)
	o.frames += uint64(count)
	s.publishCounters()

	if s.cfg.FlushCount > 0 && o.frames%s.cfg.FlushCount == 0 {
		if fd := o.cur.Fileno(); fd >= 0 {
			if err := s.deps.SyncData(fd); err != nil {
				s.log.WithFields(logrus.Fields{
					"function": "outputVideoFrame",
					"file":     o.curName,
					"error":    err,
				}).Warn("Failed to flush output file")
			}
		}
	}
	return nil
}

// nextName returns the name of the next output file.
func (s *Session) nextName() (string, error) {
	o := &s.out
	if len(s.cfg.Files) == 0 {
		o.fileNo++
		if !strings.Contains(s.cfg.OutputPattern, "%") {
			return s.cfg.OutputPattern, nil
		}
		return fmt.Sprintf(s.cfg.OutputPattern, o.fileNo), nil
	}

	if o.fileNo >= len(s.cfg.Files) {
		if s.cfg.Format != 'j' {
			return "", fmt.Errorf("%w: all %d output files used", types.ErrOutput, len(s.cfg.Files))
		}
		o.fileNo = 0
	}
	name := s.cfg.Files[o.fileNo]
	o.fileNo++
	return name, nil
}

// openNext opens the next output file. A file opened with less than
// MinFreeOpenMB available is removed again and the session fails.
func (s *Session) openNext() error {
	o := &s.out
	name, err := s.nextName()
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"function": "openNext",
		"file":     name,
	}).Info("Opening output file")

	f, err := s.deps.Opener.Open(name, s.params)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", types.ErrOutput, name, err)
	}
	o.cur, o.curName = f, name
	if o.status == outNone {
		o.status = outNormal
	}
	fileNo := o.fileNo
	s.updateStats(func(st *types.CaptureStats) {
		st.CurrentFile = fileNo
		st.OutputFilename = name
	})

	o.bytesCur, o.lastChecked = 0, 0
	o.freeMB = s.deps.FreeSpace(name)
	if o.freeMB < s.cfg.MinFreeOpenMB {
		_ = f.Close()
		o.cur, o.curName = nil, ""
		if rerr := s.remove(name); rerr != nil {
			s.log.WithFields(logrus.Fields{
				"function": "openNext",
				"file":     name,
				"error":    rerr,
			}).Warn("Failed to remove output file")
		}
		return fmt.Errorf("%w: %d MB free for %s, need %d", types.ErrDiskFull,
			o.freeMB, name, s.cfg.MinFreeOpenMB)
	}
	return nil
}

func (s *Session) remove(path string) error {
	if r, ok := s.deps.Opener.(remover); ok {
		return r.Remove(path)
	}
	return os.Remove(path)
}

func (s *Session) closeCur() error {
	o := &s.out
	if o.cur == nil {
		return nil
	}
	f, name := o.cur, o.curName
	o.cur, o.curName = nil, ""
	return s.closeFile(f, name)
}

func (s *Session) closeOld() error {
	o := &s.out
	if o.old == nil {
		return nil
	}
	f, name := o.old, o.oldName
	o.old, o.oldName = nil, ""
	return s.closeFile(f, name)
}

func (s *Session) closeFile(f sink.Sink, name string) error {
	if err := f.Close(); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "closeFile",
			"file":     name,
			"error":    err,
		}).Error("Failed to close output file, it may be unusable")
		return fmt.Errorf("%w: close %s: %v", types.ErrOutput, name, err)
	}
	s.log.WithFields(logrus.Fields{
		"function": "closeFile",
		"file":     name,
	}).Info("Output file closed")
	return nil
}

// closeFilesOnError closes every open file after a fatal error.
func (s *Session) closeFilesOnError() {
	o := &s.out
	if o.cur == nil && o.old == nil {
		o.status = outNone
		return
	}
	_ = s.closeCur()
	_ = s.closeOld()
	o.status = outNone
	s.log.WithFields(logrus.Fields{
		"function": "closeFilesOnError",
	}).Warn("Closed output files after an error, they may not be readable")
}

// outputAudioToFile appends samples to the current or the previous file.
func (s *Session) outputAudioToFile(data []byte, samples int, toOld bool) error {
	if samples == 0 {
		return nil
	}
	o := &s.out
	f, name := o.cur, o.curName
	if toOld {
		f, name = o.old, o.oldName
	}
	if f == nil {
		return fmt.Errorf("%w: no file open for audio", types.ErrOutput)
	}
	if err := f.WriteAudio(data[:samples*s.bps], samples); err != nil {
		s.closeFilesOnError()
		return fmt.Errorf("%w: write audio to %s: %v", types.ErrOutput, name, err)
	}
	o.asamps += uint64(samples)
	if !toOld {
		o.bytesCur += int64(samples * s.bps)
	}
	s.publishCounters()
	return nil
}

// outputAudioSamples distributes captured audio over the open files. While
// the previous file is draining it receives exactly the samples that play as
// long as its video; the rest goes to the current file.
func (s *Session) outputAudioSamples(data []byte, samples int) error {
	o := &s.out
	switch {
	case o.status == outNone:
		return fmt.Errorf("%w: audio with no output file open", types.ErrOutput)
	case o.status < outDraining:
		return s.outputAudioToFile(data, samples, false)
	}

	want := s.period.samples(o.framesOld, s.cfg.AudioRate)
	if want < o.asamps {
		s.closeFilesOnError()
		return fmt.Errorf("%w: %d samples written for %d frames", errAudioAhead, o.asamps, o.framesOld)
	}
	diff := want - o.asamps
	if diff >= uint64(samples) {
		return s.outputAudioToFile(data, samples, true)
	}

	n := int(diff)
	if err := s.outputAudioToFile(data, n, true); err != nil {
		return err
	}
	if err := s.closeOld(); err != nil {
		return err
	}
	if o.status == outAudioOnly {
		o.status = outNone
		return nil
	}
	o.status = outNormal
	return s.outputAudioToFile(data[n*s.bps:], samples-n, false)
}

// audioCaptured hands audio to the output files or the audio callback.
func (s *Session) audioCaptured(data []byte, samples int) error {
	if !s.raw {
		return s.outputAudioSamples(data, samples)
	}
	if err := s.cb.Audio(data[:samples*s.bps], samples); err != nil {
		return fmt.Errorf("audio callback: %w", err)
	}
	s.out.asamps += uint64(samples)
	s.publishCounters()
	return nil
}

// finishOutput completes the output files after the capture loop ended.
// Unless the session failed, the last file keeps receiving audio until its
// audio stream is as long as its video, for at most StopTimeout.
func (s *Session) finishOutput(ctx context.Context, cause error) error {
	if s.raw {
		return nil
	}
	o := &s.out

	if cause == nil && s.audio != nil {
		polls := int(s.cfg.StopTimeout / s.cfg.PausePoll)
		for i := 0; o.status != outNone && i <= polls; i++ {
			if o.status == outNormal {
				o.old, o.oldName = o.cur, o.curName
				o.cur, o.curName = nil, ""
				o.framesOld = o.frames
				o.status = outAudioOnly
			}
			if err := s.handleAudio(time.Time{}); err != nil {
				cause = err
				break
			}
			if o.status == outNone {
				break
			}
			if err := s.deps.Clock.Sleep(ctx, s.cfg.PausePoll); err != nil {
				break
			}
		}
		if o.status != outNone && cause == nil {
			s.log.WithFields(logrus.Fields{
				"function": "finishOutput",
				"file":     o.oldName,
				"samples":  o.asamps,
				"frames":   o.framesOld,
			}).Warn("Audio did not catch up with video, closing files")
		}
	}

	err := errors.Join(s.closeCur(), s.closeOld())
	o.status = outNone
	if cause != nil {
		return cause
	}
	return err
}
