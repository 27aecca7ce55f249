package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
)

var (
	verbose     bool
	showVersion bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lavtools",
	Short: "Synchronized MJPEG video and audio recording and playback",
	Long: `lavtools - records and plays back MJPEG video with an audio track,
keeping both streams in sync by the timestamps of the devices.

Features:
  - Frame queue over a fixed set of device buffers with lost-frame detection
  - Audio transport with a shared slot ring and a dedicated device task
  - Audio/video drift correction by inserting, deleting or skipping frames
  - Software JPEG encoding across a pool of workers
  - File rotation by size, frame count and free disk space

Commands:
  - record:  Capture video and audio into frame files
  - play:    Play frame files with audio, hardware or software display
  - extract: Write the audio track of a frame file as WAV`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			cmd.Printf("lavtools version %s\n", version)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
