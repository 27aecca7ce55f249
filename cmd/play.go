package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drgolem/lavtools/pkg/audiotransport"
	"github.com/drgolem/lavtools/pkg/playback"
	"github.com/drgolem/lavtools/pkg/simdev"
	"github.com/drgolem/lavtools/pkg/types"
)

var (
	playMode        string
	playSpeed       int
	playContinuous  bool
	playNoSync      bool
	playSkipFrames  bool
	playInsert      bool
	playAudioMask   int
	playAudioTrack  string
	playStart       int
	playEnd         int
	playOut         string
	playBuffers     int
	playDevice      int
	playFrames      int
	playSimAudio    bool
	playStopTimeout time.Duration
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play <frame_file>",
	Short: "Play a frame file with its audio track",
	Long: `Play a recorded frame file in sync with its audio track. Video is either
decoded in software and written as a YUV4MPEG2 stream, or shown by the
decoder card test output. When audio and video drift apart by more than one
frame, audio or video frames are skipped to catch up.

Examples:
  # Play to a y4m viewer
  lavtools play rec001.lav -o - | mpv -

  # Play with an external audio track, frames 100 to 500 only
  lavtools play rec001.lav --audio-track music.flac --start 100 --end 500 -o out.y4m

  # Reverse at double speed with audio for every speed
  lavtools play rec001.lav --speed -2 --audio-mask 15 -o - | ffplay -

  # Decoder card test output, pausing at the ends
  lavtools play rec001.lav --mode offscreen --continuous

Display Modes:
  software   JPEG decoded in software, pictures written to --out (default)
  onscreen   decoder card, overlay on the screen (test card)
  offscreen  decoder card, video out connector (test card)

Audio Mask:
  1 normal speed, 2 reverse, 4 fast (with 1 or 2 for the direction), 8 paused`,
	Args: cobra.ExactArgs(1),
	Run:  runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().StringVarP(&playMode, "mode", "m", "software", "Display mode: software, onscreen or offscreen")
	playCmd.Flags().IntVarP(&playSpeed, "speed", "S", 1, "Initial playback speed, 0 starts paused")
	playCmd.Flags().BoolVarP(&playContinuous, "continuous", "c", false, "Pause at the ends instead of stopping")
	playCmd.Flags().BoolVar(&playNoSync, "no-sync", false, "Do not correct audio/video drift")
	playCmd.Flags().BoolVar(&playSkipFrames, "skip-frames", true, "Advance the frame counter for skipped video frames")
	playCmd.Flags().BoolVar(&playInsert, "insert-frames", true, "Repeat the picture for skipped audio frames")
	playCmd.Flags().IntVarP(&playAudioMask, "audio-mask", "a", playback.AudioNormal, "Speeds at which audio plays (0 = no audio)")
	playCmd.Flags().StringVar(&playAudioTrack, "audio-track", "", "External WAV or FLAC audio track")
	playCmd.Flags().IntVar(&playStart, "start", -1, "First frame to play (-1 = all)")
	playCmd.Flags().IntVar(&playEnd, "end", -1, "Last frame to play")
	playCmd.Flags().StringVarP(&playOut, "out", "o", "", "Write pictures as YUV4MPEG2 to this file, - for stdout")
	playCmd.Flags().IntVarP(&playBuffers, "buffers", "b", 8, "Video output buffers")
	playCmd.Flags().IntVarP(&playDevice, "device", "d", 1, "Audio output device index")
	playCmd.Flags().IntVarP(&playFrames, "frames", "f", 512, "Audio frames per buffer")
	playCmd.Flags().BoolVar(&playSimAudio, "sim-audio", false, "Play audio to a simulated card instead of an audio output")
	playCmd.Flags().DurationVar(&playStopTimeout, "stop-timeout", 2*time.Second, "Wait this long for the last frames and audio")
}

func parseMode(s string) (playback.Mode, error) {
	switch strings.ToLower(s) {
	case "software", "s":
		return playback.SoftwareDecode, nil
	case "onscreen", "h":
		return playback.HardwareOnscreen, nil
	case "offscreen", "c":
		return playback.HardwareOffscreen, nil
	default:
		return 0, fmt.Errorf("%w: unknown display mode %q", types.ErrConfiguration, s)
	}
}

// playConfig builds the player configuration from the command line.
func playConfig() (playback.Config, error) {
	cfg := playback.DefaultConfig()
	mode, err := parseMode(playMode)
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	cfg.Speed = playSpeed
	cfg.Continuous = playContinuous
	cfg.SyncCorrection = !playNoSync
	cfg.SyncSkipFrames = playSkipFrames
	cfg.SyncInsertFrames = playInsert
	cfg.AudioMask = playAudioMask
	cfg.StopTimeout = playStopTimeout
	return cfg, cfg.Validate()
}

// openPlaybackAudio starts the audio task for the track format. It returns
// nil when the file has no audio or audio is disabled.
func openPlaybackAudio(ctx context.Context, src *playback.FileSource, clock *simdev.Clock) (*audiotransport.Transport, error) {
	format, ok := src.AudioFormat()
	if !ok || playAudioMask == 0 {
		return nil, nil
	}

	tcfg := audiotransport.DefaultConfig(audiotransport.Playback)
	tcfg.SampleBits = format.BitsPerSample
	tcfg.SampleRate = format.SampleRate
	tcfg.Stereo = format.Channels == 2

	var dev audiotransport.Device
	if playSimAudio {
		dev = simdev.NewAudioDevice(clock, simdev.DefaultAudioConfig())
	} else {
		dev = audiotransport.NewPortAudioDevice(playDevice, playFrames)
	}

	t := audiotransport.New(tcfg, dev)
	if err := t.Init(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// openVideoOutput picks the software display or the test card.
func openVideoOutput(cfg playback.Config, src *playback.FileSource, clock *simdev.Clock) (playback.VideoOutput, io.Closer, error) {
	p := src.Params()
	period := time.Duration(src.Norm().SecondsPerFrame() * float64(time.Second))

	if cfg.Mode != playback.SoftwareDecode {
		ocfg := simdev.DefaultOutputConfig()
		ocfg.Buffers = playBuffers
		ocfg.Width = p.Width
		ocfg.Height = p.Height
		ocfg.Period = period
		return simdev.NewVideoOutput(clock, ocfg), nil, nil
	}

	var display playback.Display = &playback.NullDisplay{}
	var closer io.Closer
	switch playOut {
	case "":
	case "-":
		display = playback.NewY4MDisplay(os.Stdout, src.Norm())
	default:
		f, err := os.Create(playOut)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		display = playback.NewY4MDisplay(f, src.Norm())
		closer = f
	}

	out := playback.NewSoftwareOutput(display, clock, playback.SoftwareConfig{
		Buffers: playBuffers,
		Width:   p.Width,
		Height:  p.Height,
		Period:  period,
	})
	return out, closer, nil
}

func runPlay(cmd *cobra.Command, args []string) {
	fileName := args[0]

	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		logrus.WithField("path", fileName).Fatal("File not found")
	}

	cfg, err := playConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid playback options")
	}

	src, err := playback.OpenFile(fileName, playAudioTrack)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open frame file")
	}
	defer src.Close()

	if !playSimAudio && playAudioMask != 0 {
		if _, ok := src.AudioFormat(); ok {
			logrus.Info("Initializing PortAudio")
			if err := portaudio.Initialize(); err != nil {
				logrus.WithError(err).Error("Failed to initialize PortAudio")
				logrus.Error("Hint: Make sure PortAudio is installed on your system")
				os.Exit(1)
			}
			defer portaudio.Terminate()
			logrus.WithField("version", portaudio.GetVersion()).Info("PortAudio initialized")
		}
	}

	ctx := context.Background()
	clock := simdev.NewRealClock()

	out, closer, err := openVideoOutput(cfg, src, clock)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open video output")
	}
	if closer != nil {
		defer closer.Close()
	}

	deps := playback.Deps{Output: out, Clock: clock}
	transport, err := openPlaybackAudio(ctx, src, clock)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open audio output")
	}
	if transport != nil {
		deps.Audio = transport
	}

	p := src.Params()
	logrus.WithFields(logrus.Fields{
		"file":       fileName,
		"frames":     src.NumFrames(),
		"width":      p.Width,
		"height":     p.Height,
		"norm":       src.Norm().String(),
		"mode":       cfg.Mode.String(),
		"audio":      transport != nil,
		"audio_rate": p.AudioRate,
	}).Info("Playback configuration")

	player, err := playback.New(cfg, src, deps, playback.Callbacks{
		State: func(st types.State) {
			logrus.WithField("state", st.String()).Debug("Playback state changed")
		},
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create player")
	}
	if playStart >= 0 {
		if err := player.SetPlayableRange(playStart, playEnd); err != nil {
			logrus.WithError(err).Fatal("Invalid frame range")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := player.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start playback")
	}

	statusDone := make(chan struct{})
	go monitorPlayback(os.Stderr, player, statusDone)

	select {
	case <-player.Done():
		logrus.Info("Playback completed")
	case sig := <-sigChan:
		logrus.WithField("signal", sig).Info("Signal received, stopping playback")
	}

	err = player.Stop()
	close(statusDone)

	st := player.PlaybackStats()
	status := player.OutputStatus()
	logrus.WithFields(logrus.Fields{
		"frames_output": status.FramesOutput,
		"frames_error":  status.FramesError,
		"corrs_a":       st.CorrsA,
		"corrs_b":       st.CorrsB,
		"audio_buffers": st.AudioBuffers,
		"audio_errors":  st.AudioErrors,
	}).Info("Playback finished")

	if err != nil {
		logrus.WithError(err).Error("Playback failed")
		os.Exit(1)
	}
}
