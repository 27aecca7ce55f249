package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drgolem/lavtools/pkg/audiotransport"
	"github.com/drgolem/lavtools/pkg/capture"
	"github.com/drgolem/lavtools/pkg/framequeue"
	"github.com/drgolem/lavtools/pkg/lavfile"
	"github.com/drgolem/lavtools/pkg/simdev"
	"github.com/drgolem/lavtools/pkg/types"
)

var (
	recNorm        string
	recFormat      string
	recOutput      string
	recQuality     int
	recWorkers     int
	recMaxSize     int64
	recMaxFrames   uint64
	recFlush       uint64
	recSync        int
	recSingleFrame bool
	recTimeLapse   int
	recTime        time.Duration
	recAudioBits   int
	recRate        int
	recStereo      bool
	recAudioDevice int
	recWaitEnter   bool

	recSimAudio  bool
	recCardInput string
	recBuffers   int
	recWidth     int
	recHeight    int
	recJitter    float64
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record [output_file...]",
	Short: "Record video and audio into frame files",
	Long: `Record MJPEG video with an audio track, keeping the audio in sync with the
video by inserting or deleting frames. Uncompressed input is encoded to JPEG
by a pool of workers.

Output files are either listed as arguments or generated from the --output
pattern, which takes one integer verb numbered from 1. Recording moves to the
next file when --max-size or --max-frames is reached or free disk space runs
low; the file list wraps for JPEG image output.

Examples:
  # Record PAL video with 16-bit mono audio from the default input
  lavtools record -o rec%03d.lav

  # Record NTSC, rotate files every 650 MB, stop after one hour
  lavtools record --norm ntsc -m 650 -t 1h -o tape%02d.lav

  # Uncompressed card, 3 encoding workers, stereo 48 kHz
  lavtools record --card-input yuv420 -w 3 -s -r 48000 capture.lav

  # Time lapse: keep every 25th frame, no audio
  lavtools record -T 25 -a 0 -o lapse%03d.lav

  # Single frames as JPEG images, one per Enter key
  lavtools record --single-frame -f j -a 0 img001.jpg img002.jpg img003.jpg

Sync Correction (-c):
  0  write every synced frame once
  1  replicate frames the device lost
  2  also insert or delete frames to follow the audio clock (default)

Status Line:
  h.mm.ss:ff int: <ms between syncs> lst: <lost> ins: <inserted>
  del: <deleted> ae: <audio errors> td1= td2= <drift by counts and by timestamps>`,
	Run: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().StringVarP(&recNorm, "norm", "n", "pal", "Video norm: pal or ntsc")
	recordCmd.Flags().StringVarP(&recFormat, "format", "f", "a", "Output format: a (frame file) or j (JPEG images)")
	recordCmd.Flags().StringVarP(&recOutput, "output", "o", "", "Output file pattern with one integer verb, e.g. rec%03d.lav")
	recordCmd.Flags().IntVarP(&recQuality, "quality", "q", 50, "JPEG quality of software encoding (1-100)")
	recordCmd.Flags().IntVarP(&recWorkers, "workers", "w", 1, "Software encoding workers")
	recordCmd.Flags().Int64VarP(&recMaxSize, "max-size", "m", 0, "Start a new file after this many MB (0 = unlimited)")
	recordCmd.Flags().Uint64Var(&recMaxFrames, "max-frames", 0, "Start a new file after this many frames (0 = unlimited)")
	recordCmd.Flags().Uint64Var(&recFlush, "flush", 60, "Flush file data to disk every n frames (0 = never)")
	recordCmd.Flags().IntVarP(&recSync, "sync", "c", capture.SyncAudioAV, "Sync correction level (0-2)")
	recordCmd.Flags().BoolVar(&recSingleFrame, "single-frame", false, "Record one frame per Enter key")
	recordCmd.Flags().IntVarP(&recTimeLapse, "time-lapse", "T", 1, "Record every n-th frame")
	recordCmd.Flags().DurationVarP(&recTime, "time", "t", 0, "Stop after this much video (0 = until interrupted)")
	recordCmd.Flags().IntVarP(&recAudioBits, "audio-bits", "a", 16, "Audio sample size: 0 (no audio), 8 or 16")
	recordCmd.Flags().IntVarP(&recRate, "rate", "r", 44100, "Audio sample rate in Hz")
	recordCmd.Flags().BoolVarP(&recStereo, "stereo", "s", false, "Record stereo audio")
	recordCmd.Flags().IntVarP(&recAudioDevice, "device", "d", -1, "Audio input device index (-1 = default)")
	recordCmd.Flags().BoolVar(&recWaitEnter, "wait", false, "Wait for Enter before recording starts")

	recordCmd.Flags().BoolVar(&recSimAudio, "sim-audio", false, "Use a generated test tone instead of an audio input")
	recordCmd.Flags().StringVar(&recCardInput, "card-input", "mjpeg", "Test card output: mjpeg or yuv420")
	recordCmd.Flags().IntVar(&recBuffers, "buffers", 64, "Capture buffers")
	recordCmd.Flags().IntVar(&recWidth, "width", 352, "Picture width")
	recordCmd.Flags().IntVar(&recHeight, "height", 288, "Picture height")
	recordCmd.Flags().Float64Var(&recJitter, "jitter", 0, "Test card frame time jitter as a fraction of the frame period")
}

func parseNorm(s string) (types.VideoNorm, error) {
	switch strings.ToLower(s) {
	case "pal", "p":
		return types.NormPAL, nil
	case "ntsc", "n":
		return types.NormNTSC, nil
	default:
		return 0, fmt.Errorf("%w: unknown video norm %q", types.ErrConfiguration, s)
	}
}

func parseCardInput(s string) (framequeue.DataFormat, error) {
	switch strings.ToLower(s) {
	case "mjpeg":
		return framequeue.FormatMJPEG, nil
	case "yuv420", "yuv":
		return framequeue.FormatYUV420, nil
	default:
		return 0, fmt.Errorf("%w: unknown card input %q", types.ErrConfiguration, s)
	}
}

// recordConfig builds the session configuration from the command line.
func recordConfig(files []string) (capture.Config, error) {
	cfg := capture.DefaultConfig()

	norm, err := parseNorm(recNorm)
	if err != nil {
		return cfg, err
	}
	if len(recFormat) != 1 {
		return cfg, fmt.Errorf("%w: format must be one character, got %q", types.ErrConfiguration, recFormat)
	}
	if len(files) == 0 && recOutput == "" {
		return cfg, fmt.Errorf("%w: no output files, give file names or --output", types.ErrConfiguration)
	}

	cfg.Norm = norm
	cfg.Format = recFormat[0]
	cfg.Files = files
	cfg.OutputPattern = recOutput
	cfg.Quality = recQuality
	cfg.Workers = recWorkers
	cfg.MaxFileSizeMB = recMaxSize
	cfg.MaxFileFrames = recMaxFrames
	cfg.FlushCount = recFlush
	cfg.SyncCorrection = recSync
	cfg.SingleFrame = recSingleFrame
	cfg.TimeLapse = recTimeLapse
	cfg.RecordTime = recTime
	cfg.AudioBits = recAudioBits
	cfg.AudioRate = recRate
	cfg.Stereo = recStereo
	if cfg.SingleFrame || cfg.TimeLapse > 1 {
		cfg.AudioBits = 0
	}
	return cfg, cfg.Validate()
}

// openCaptureAudio starts the audio task on the selected input.
func openCaptureAudio(ctx context.Context, cfg capture.Config, clock *simdev.Clock) (*audiotransport.Transport, error) {
	tcfg := audiotransport.DefaultConfig(audiotransport.Capture)
	tcfg.SampleBits = cfg.AudioBits
	tcfg.SampleRate = cfg.AudioRate
	tcfg.Stereo = cfg.Stereo

	var dev audiotransport.Device
	if recSimAudio {
		acfg := simdev.DefaultAudioConfig()
		acfg.Tone = 440
		dev = simdev.NewAudioDevice(clock, acfg)
	} else {
		dev = audiotransport.NewMalgoDevice(recAudioDevice)
	}

	t := audiotransport.New(tcfg, dev)
	if err := t.Init(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func runRecord(cmd *cobra.Command, args []string) {
	cfg, err := recordConfig(args)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid recording options")
	}
	cardInput, err := parseCardInput(recCardInput)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid recording options")
	}

	opener := lavfile.NewOpener()
	cfg.SessionID = opener.SessionID

	clock := simdev.NewRealClock()
	vcfg := simdev.DefaultVideoConfig()
	vcfg.Buffers = recBuffers
	vcfg.Width = recWidth
	vcfg.Height = recHeight
	vcfg.Format = cardInput
	vcfg.Period = time.Duration(cfg.Norm.SecondsPerFrame() * float64(time.Second))
	vcfg.Jitter = recJitter
	vcfg.Seed = time.Now().UnixNano()

	ctx := context.Background()
	deps := capture.Deps{
		Video:  simdev.NewVideoDevice(clock, vcfg),
		Opener: opener,
		Clock:  clock,
	}
	if cfg.HasAudio() {
		t, err := openCaptureAudio(ctx, cfg, clock)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open audio input")
		}
		deps.Audio = t
	}

	logrus.WithFields(logrus.Fields{
		"session":     cfg.SessionID.String(),
		"norm":        cfg.Norm.String(),
		"card_input":  cardInput.String(),
		"audio_bits":  cfg.AudioBits,
		"audio_rate":  cfg.AudioRate,
		"stereo":      cfg.Stereo,
		"sync":        cfg.SyncCorrection,
		"workers":     cfg.Workers,
		"record_time": cfg.RecordTime,
	}).Info("Recording configuration")

	session, err := capture.New(cfg, deps, capture.Callbacks{
		State: func(st types.State) {
			logrus.WithField("state", st.String()).Info("Recording state changed")
		},
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create recording session")
	}
	if err := session.Open(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to open capture devices")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	enter := make(chan struct{})
	go readEnter(os.Stdin, enter)

	if recWaitEnter && !cfg.SingleFrame {
		fmt.Fprintln(os.Stderr, "Press Enter to start recording")
		select {
		case <-enter:
		case sig := <-sigChan:
			logrus.WithField("signal", sig).Info("Signal received before start")
			_ = session.Stop()
			return
		}
	}

	if cfg.SingleFrame {
		fmt.Fprintln(os.Stderr, "Press Enter to record a frame, Ctrl-C to stop")
	} else if err := session.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start recording")
	}

	monitorDone := make(chan struct{})
	go monitorCapture(os.Stderr, session, cfg.Norm, monitorDone)

loop:
	for {
		select {
		case <-enter:
			if cfg.SingleFrame {
				if err := session.Start(); err != nil {
					logrus.WithError(err).Warn("Previous frame not written yet")
				}
			}
		case <-session.Done():
			break loop
		case sig := <-sigChan:
			logrus.WithField("signal", sig).Info("Signal received, stopping recording")
			break loop
		}
	}

	err = session.Stop()
	close(monitorDone)

	st := session.CaptureStats()
	logrus.WithFields(logrus.Fields{
		"frames":       st.Frames,
		"syncs":        st.Syncs,
		"lost":         st.Lost,
		"inserted":     st.Inserted,
		"deleted":      st.Deleted,
		"audio_errors": st.AudioErrors,
		"samples":      st.AudioSamples,
		"files":        st.CurrentFile,
	}).Info("Recording finished")

	if err != nil {
		logrus.WithError(err).Error("Recording failed")
		os.Exit(1)
	}
}

// readEnter signals every line read from r until it fails.
func readEnter(r io.Reader, enter chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		enter <- struct{}{}
	}
}
