package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	wav "github.com/youpy/go-wav"

	"github.com/drgolem/lavtools/pkg/decoders"
	"github.com/drgolem/lavtools/pkg/lavfile"
	"github.com/drgolem/lavtools/pkg/playback"
	"github.com/drgolem/lavtools/pkg/types"
)

var extractCmd = &cobra.Command{
	Use:   "extract <frame_file|audio_file>",
	Short: "Write the audio track of a recording as WAV",
	Long: `Write the audio track of a frame file, or of a separate WAV or FLAC track,
as a 16-bit PCM WAV file with optional sample rate and mono conversion.
A frame range cuts out exactly the audio that plays during those frames.

Examples:
  # Audio of a recording at its own rate
  lavtools extract rec001.lav --out rec001.wav

  # Audio of frames 250 to 499, resampled to 48kHz mono
  lavtools extract rec001.lav --start 250 --end 499 --new-samplerate 48000 --mono

  # Convert a FLAC track for playback next to a PAL recording
  lavtools extract music.flac --new-samplerate 44100 --out music.wav

Supported Input Formats:
  - Frame files with a WAV sidecar
  - FLAC (.flac, .fla)
  - WAV (.wav)

Sample Rate Options:
  0 keeps the rate of the input; common rates: 22050, 32000, 44100, 48000 Hz`,
	Args: cobra.ExactArgs(1),
	Run:  runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().Int("new-samplerate", 0, "Target sample rate in Hz (0 = keep)")
	extractCmd.Flags().String("out", "out_audio.wav", "Output WAV file path")
	extractCmd.Flags().Bool("mono", false, "Convert output to mono signal (average channels)")
	extractCmd.Flags().Int("start", -1, "First frame of the range (-1 = whole track)")
	extractCmd.Flags().Int("end", -1, "Last frame of the range (-1 = to the end)")
}

func isAudioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".flac", ".fla":
		return true
	}
	return false
}

// audioTrackOf returns the audio file to decode for input and the norm that
// maps frames to samples.
func audioTrackOf(input string) (string, types.VideoNorm, error) {
	if isAudioFile(input) {
		return input, types.NormPAL, nil
	}
	r, err := lavfile.Open(input)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	path := r.AudioPath()
	if path == "" {
		return "", 0, fmt.Errorf("%s has no audio track", input)
	}
	return path, playback.NormOf(r.Params().FPS), nil
}

func runExtract(cmd *cobra.Command, args []string) {
	inFileName := args[0]

	if _, err := os.Stat(inFileName); os.IsNotExist(err) {
		logrus.WithField("path", inFileName).Fatal("Input file not found")
	}

	newSampleRate, _ := cmd.Flags().GetInt("new-samplerate")
	outFileName, _ := cmd.Flags().GetString("out")
	toMono, _ := cmd.Flags().GetBool("mono")
	start, _ := cmd.Flags().GetInt("start")
	end, _ := cmd.Flags().GetInt("end")

	if newSampleRate < 0 || newSampleRate > 384000 {
		logrus.WithFields(logrus.Fields{
			"rate":        newSampleRate,
			"valid_range": "0-384000",
		}).Fatal("Invalid sample rate")
	}

	audioPath, norm, err := audioTrackOf(inFileName)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to find audio track")
	}

	track, err := decoders.LoadFrames(audioPath, norm, start, end)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to decode audio")
	}

	logrus.WithFields(logrus.Fields{
		"input_file":            audioPath,
		"input_sample_rate":     track.Rate,
		"input_channels":        track.Channels,
		"input_bits_per_sample": track.BitsPerSample,
		"input_samples":         track.Samples(),
		"first_frame":           start,
		"last_frame":            end,
		"output_sample_rate":    newSampleRate,
		"output_mono":           toMono,
		"output_file":           outFileName,
	}).Info("Audio extraction starting")

	if newSampleRate > 0 {
		track, err = decoders.Resample(track, newSampleRate)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to resample audio")
		}
	}

	if toMono && track.Channels > 1 {
		if track.BitsPerSample != 16 {
			logrus.WithField("bits", track.BitsPerSample).Fatal("Mono conversion needs 16-bit audio")
		}
		track = &decoders.Track{
			Data:          convertToMono16Bit(track.Data, track.Channels),
			Rate:          track.Rate,
			Channels:      1,
			BitsPerSample: 16,
		}
	}

	if err := writeWAVFile(outFileName, track); err != nil {
		logrus.WithError(err).Fatal("Failed to write WAV file")
	}

	logrus.WithFields(logrus.Fields{
		"output_samples": track.Samples(),
		"output_rate":    track.Rate,
		"output_file":    outFileName,
	}).Info("Extraction complete")
}

// convertToMono16Bit averages the channels of interleaved 16-bit audio.
func convertToMono16Bit(data []byte, channels int) []byte {
	if channels == 1 {
		return data
	}

	frameBytes := 2 * channels
	mono := make([]byte, len(data)/channels)

	outIdx := 0
	for idx := 0; idx+frameBytes <= len(data); idx += frameBytes {
		sum := int32(0)
		for ch := 0; ch < channels; ch++ {
			b0 := int16(data[idx+2*ch])
			b1 := int16(data[idx+2*ch+1])
			sum += int32((b1 << 8) | b0)
		}
		avg := int16(sum / int32(channels))
		mono[outIdx] = byte(avg & 0xFF)
		mono[outIdx+1] = byte((avg >> 8) & 0xFF)
		outIdx += 2
	}
	return mono[:outIdx]
}

func writeWAVFile(fileName string, t *decoders.Track) error {
	fOut, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fOut.Close()

	wavWriter := wav.NewWriter(fOut, uint32(t.Samples()), uint16(t.Channels), uint32(t.Rate), uint16(t.BitsPerSample))
	if _, err := wavWriter.Write(t.Data); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	return nil
}
