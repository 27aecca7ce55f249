package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/types"
)

const monitorInterval = time.Second

// captureStatusLine formats the recording counters as
// "h.mm.ss:ff int lst ins del ae td1 td2".
func captureStatusLine(st types.CaptureStats, norm types.VideoNorm) string {
	var interval int64
	if !st.PrevSync.IsZero() && !st.CurSync.IsZero() {
		interval = st.CurSync.Sub(st.PrevSync).Milliseconds()
	}
	return fmt.Sprintf("%s int: %05d lst:%4d ins:%3d del:%3d ae:%3d td1=%.3f td2=%.3f",
		types.FormatTimecode(st.Frames, norm),
		interval,
		st.Lost, st.Inserted, st.Deleted, st.AudioErrors,
		st.TDiff1, st.TDiff2)
}

// playbackStatusLine formats the playback counters as
// "h.mm.ss:ff spd corrsA/corrsB td audio".
func playbackStatusLine(st types.PlaybackStats) string {
	frame := uint64(0)
	if st.Frame > 0 {
		frame = uint64(st.Frame)
	}
	audio := "off"
	if st.Audio {
		audio = fmt.Sprintf("%d/%d", st.AudioBuffers, st.AudioErrors)
	}
	return fmt.Sprintf("%s %3d %4d/%-4d %8.4f %s",
		types.FormatTimecode(frame, st.Norm),
		st.Speed, st.CorrsA, st.CorrsB, st.TDiff, audio)
}

// monitorCapture prints a status line every interval and warns when the
// lost, inserted, deleted or audio error counters moved.
func monitorCapture(w io.Writer, monitor types.CaptureMonitor, norm types.VideoNorm, done <-chan struct{}) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var last types.CaptureStats
	for {
		select {
		case <-ticker.C:
			st := monitor.CaptureStats()
			fmt.Fprintf(w, "\r%s", captureStatusLine(st, norm))

			if st.Lost != last.Lost || st.AudioErrors != last.AudioErrors {
				logrus.WithFields(logrus.Fields{
					"function":     "monitorCapture",
					"lost":         st.Lost - last.Lost,
					"audio_errors": st.AudioErrors - last.AudioErrors,
				}).Warn("Frames or audio lost since last status")
			}
			if st.OutputFilename != last.OutputFilename && st.OutputFilename != "" {
				fmt.Fprintln(w)
				logrus.WithFields(logrus.Fields{
					"function": "monitorCapture",
					"file":     st.OutputFilename,
					"number":   st.CurrentFile,
				}).Info("Recording to file")
			}
			last = st
		case <-done:
			fmt.Fprintln(w)
			return
		}
	}
}

// monitorPlayback prints a playback status line every interval.
func monitorPlayback(w io.Writer, monitor types.PlaybackMonitor, done <-chan struct{}) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(w, "\r%s", playbackStatusLine(monitor.PlaybackStats()))
		case <-done:
			fmt.Fprintln(w)
			return
		}
	}
}
