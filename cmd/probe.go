package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/shrink/internal/demux"
	"github.com/babelcloud/shrink/internal/util"
)

type ProbeOptions struct {
	OutputFormat string
}

func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe <input>",
		Short: "Show the tracks and layout of an MP4 file",
		Example: `  shrink probe in.mp4
  shrink probe in.mp4 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runProbe(w io.Writer, opts *ProbeOptions, input string) error {
	md, err := demux.Probe(input)
	if err != nil {
		return err
	}

	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(md)
	case "text":
		printMetadata(w, md)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", opts.OutputFormat)
	}
}

func printMetadata(w io.Writer, md *demux.Metadata) {
	streamable := color.YellowString("no")
	if md.Streamable {
		streamable = color.GreenString("yes")
	}
	fmt.Fprintf(w, "File:        %s (%s, brand %s)\n", md.Path, util.HumanSize(md.Size), md.Brand)
	fmt.Fprintf(w, "Streamable:  %s\n", streamable)
	fmt.Fprintf(w, "Duration:    %s\n", util.HumanDuration(md.DurationUs))
	fmt.Fprintf(w, "Bitrate:     %s\n", util.HumanBitrate(md.Bitrate))
	if md.HasVideo {
		fmt.Fprintf(w, "Video:       %s %dx%d, %.2f fps, %d frames", md.VideoCodec, md.Width, md.Height, md.FrameRate, md.Frames)
		if md.Profile != 0 {
			fmt.Fprintf(w, ", profile %d level %d", md.Profile, md.Level)
		}
		if md.Rotation != 0 {
			fmt.Fprintf(w, ", rotated %d°", md.Rotation)
		}
		fmt.Fprintln(w)
	}
	if md.HasAudio {
		fmt.Fprintf(w, "Audio:       %s %d Hz, %d channels\n", md.AudioCodec, md.SampleRate, md.Channels)
	}
}
