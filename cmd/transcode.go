package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/shrink/config"
	"github.com/babelcloud/shrink/internal/codec/ffmpeg"
	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/transcode"
	"github.com/babelcloud/shrink/internal/util"
)

// TranscodeOptions holds command options
type TranscodeOptions struct {
	Width          int
	Height         int
	Scale          float64
	Bitrate        int
	Streamable     bool
	NoSizeAdjust   bool
	TryAllEncoders bool
	Encoder        string
	Yes            bool
	CacheDir       string
	FFmpegPath     string
}

// NewTranscodeCommand creates the transcode command
func NewTranscodeCommand() *cobra.Command {
	opts := &TranscodeOptions{}

	cmd := &cobra.Command{
		Use:   "transcode <input> <output>",
		Short: "Re-encode the video track of an MP4 file",
		Long: `Re-encode the video track of an MP4 file with an H.264 encoder and copy its
audio track unchanged. The source is probed first and the chosen target is
shown for confirmation before any work starts.`,
		Example: `  shrink transcode in.mp4 out.mp4 --scale 0.5
  shrink transcode in.mp4 out.mp4 --width 1280 --bitrate 2000000 --yes
  shrink transcode in.mp4 out.mp4 --encoder libx264 --streamable=false
  shrink transcode in.mp4 out.mp4 --try-all-encoders`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("streamable") {
				opts.Streamable = config.GetStreamable()
			}
			return runTranscode(cmd, opts, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Width, "width", 0, "Output width in pixels (height follows the aspect ratio when omitted)")
	flags.IntVar(&opts.Height, "height", 0, "Output height in pixels (width follows the aspect ratio when omitted)")
	flags.Float64Var(&opts.Scale, "scale", 1, "Output size as a fraction of the source, in (0, 1]")
	flags.IntVar(&opts.Bitrate, "bitrate", 0, "Target video bitrate in bits per second (default: scaled from the source)")
	flags.BoolVar(&opts.Streamable, "streamable", true, "Move the movie header ahead of the media data")
	flags.BoolVar(&opts.NoSizeAdjust, "no-size-adjust", false, "Fail instead of adjusting a size the encoder cannot produce")
	flags.BoolVar(&opts.TryAllEncoders, "try-all-encoders", false, "Fall back through every available encoder on failure")
	flags.StringVar(&opts.Encoder, "encoder", "", "Use only the named encoder")
	flags.BoolVarP(&opts.Yes, "yes", "y", false, "Skip the confirmation prompt")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "Directory for in-progress files")
	flags.StringVar(&opts.FFmpegPath, "ffmpeg", "", "Path to the ffmpeg binary")

	return cmd
}

func runTranscode(cmd *cobra.Command, opts *TranscodeOptions, input, output string) error {
	if opts.CacheDir != "" {
		config.Set("cache.dir", opts.CacheDir)
	}
	if opts.FFmpegPath != "" {
		config.Set("ffmpeg.path", opts.FFmpegPath)
	}
	policy := transcode.PolicyTryAll
	if !opts.TryAllEncoders {
		p, err := transcode.ParsePolicy(config.GetEncoderPolicy())
		if err != nil {
			return err
		}
		policy = p
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := util.GetLogger()
	registry, err := ffmpeg.NewRegistry(ctx, config.GetFFmpegPath(), logger)
	if err != nil {
		return errors.Wrap(err, "discover encoders")
	}
	runner := transcode.NewRunner(registry,
		transcode.WithLogger(logger),
		transcode.WithCacheDir(config.GetCacheDir()),
		transcode.WithTimeouts(config.GetPollTimeout(), config.GetFrameTimeout(), config.GetStallTimeout()),
	)

	out := cmd.OutOrStdout()
	confirm := !opts.Yes && term.IsTerminal(int(os.Stdin.Fd()))
	decide := newDecider(opts, policy, out, os.Stdin, confirm)

	var spinner *util.Spinner
	res := runner.Run(ctx, transcode.Request{
		Input:  input,
		Output: output,
		Decide: func(md *demux.Metadata) (transcode.Settings, error) {
			s, err := decide(md)
			if err == nil {
				spinner = util.NewSpinner(fmt.Sprintf("Transcoding %s", input))
			}
			return s, err
		},
		Progress: func(p transcode.Progress) {
			if spinner != nil {
				spinner.Update(progressMessage(input, p))
			}
		},
	})

	if err := metrics.WriteTextfile(config.GetMetricsTextfile()); err != nil {
		logger.Warn("failed to write metrics", "error", err)
	}

	switch res.Status {
	case transcode.StatusSuccess:
		msg := color.GreenString("Wrote %s", res.Path) + " " + outcomeDetails(input, res)
		if spinner != nil {
			spinner.Success(msg)
		} else {
			fmt.Fprintln(out, msg)
		}
		return nil
	case transcode.StatusCancelled:
		msg := color.YellowString("Transcode cancelled")
		if spinner != nil {
			spinner.Fail(msg)
		} else {
			fmt.Fprintln(out, msg)
		}
		return nil
	default:
		msg := color.RedString("Transcode failed: %v", res.Err)
		if spinner != nil {
			spinner.Fail(msg)
		} else {
			fmt.Fprintln(out, msg)
		}
		return res.Err
	}
}

// newDecider prints the source and the chosen target, then asks for
// confirmation on in when confirm is set. Declining cancels the transcode.
func newDecider(opts *TranscodeOptions, policy transcode.Policy, out io.Writer, in io.Reader, confirm bool) transcode.Decider {
	return func(md *demux.Metadata) (transcode.Settings, error) {
		if opts.Scale <= 0 || opts.Scale > 1 {
			return transcode.Settings{}, errors.Errorf("scale %v out of range (0, 1]", opts.Scale)
		}
		s := transcode.ScaledSettings(md, opts.Scale, opts.Bitrate)
		if w, h, ok := explicitSize(md, opts.Width, opts.Height); ok {
			s.Width, s.Height = w, h
		}
		s.Streamable = opts.Streamable
		s.AllowSizeAdjust = !opts.NoSizeAdjust
		s.Policy = policy
		s.Encoder = opts.Encoder

		printSource(out, md)
		printTarget(out, s)
		if !confirm {
			return s, nil
		}
		fmt.Fprint(out, "Proceed? [Y/n] ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return transcode.Settings{}, errors.Wrap(err, "read confirmation")
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "y", "yes":
			return s, nil
		default:
			return transcode.Settings{}, transcode.ErrCancelled
		}
	}
}

// explicitSize resolves --width/--height, filling a missing side from the
// source aspect ratio.
func explicitSize(md *demux.Metadata, w, h int) (int, int, bool) {
	switch {
	case w > 0 && h > 0:
		return w, h, true
	case w > 0 && md.Width > 0:
		return w, evenRound(float64(w) * float64(md.Height) / float64(md.Width)), true
	case h > 0 && md.Height > 0:
		return evenRound(float64(h) * float64(md.Width) / float64(md.Height)), h, true
	default:
		return 0, 0, false
	}
}

func evenRound(v float64) int {
	n := int(v + 0.5)
	return n - n%2
}

func printSource(w io.Writer, md *demux.Metadata) {
	fmt.Fprintf(w, "%s %dx%d", color.CyanString("Source:"), md.Width, md.Height)
	if md.FrameRate > 0 {
		fmt.Fprintf(w, " @ %.2f fps", md.FrameRate)
	}
	fmt.Fprintf(w, ", %s, %s, %s", util.HumanBitrate(md.Bitrate), util.HumanDuration(md.DurationUs), util.HumanSize(md.Size))
	if md.Rotation != 0 {
		fmt.Fprintf(w, ", rotated %d°", md.Rotation)
	}
	if md.HasAudio {
		fmt.Fprintf(w, ", audio %s %d Hz", md.AudioCodec, md.SampleRate)
	}
	fmt.Fprintln(w)
}

func printTarget(w io.Writer, s transcode.Settings) {
	fmt.Fprintf(w, "%s %dx%d, %s", color.CyanString("Target:"), s.Width, s.Height, util.HumanBitrate(s.Bitrate))
	if s.Encoder != "" {
		fmt.Fprintf(w, ", encoder %s", s.Encoder)
	}
	fmt.Fprintf(w, ", policy %s", s.Policy)
	if s.Streamable {
		fmt.Fprint(w, ", streamable")
	}
	fmt.Fprintln(w)
}

func progressMessage(input string, p transcode.Progress) string {
	if p.Total <= 0 {
		return fmt.Sprintf("Transcoding %s with %s: %d frames", input, p.Encoder, p.Frames)
	}
	return fmt.Sprintf("Transcoding %s with %s: %d/%d frames (%.0f%%)", input, p.Encoder, p.Frames, p.Total, 100*p.Fraction())
}

func outcomeDetails(input string, res transcode.Result) string {
	detail := fmt.Sprintf("with %s, %d frames in %s", res.Encoder, res.Frames, res.Elapsed.Round(10*time.Millisecond))
	in, errIn := os.Stat(input)
	out, errOut := os.Stat(res.Path)
	if errIn == nil && errOut == nil {
		detail = fmt.Sprintf("(%s -> %s) %s", util.HumanSize(in.Size()), util.HumanSize(out.Size()), detail)
	}
	return detail
}
