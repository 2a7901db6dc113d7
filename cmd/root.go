package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/shrink/internal/util"
	"github.com/babelcloud/shrink/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "shrink",
		Short: "Shrink MP4 videos with hardware H.264 encoders",
		Long: `shrink re-encodes the video track of an MP4 file at a smaller size or bitrate,
copies the audio track unchanged and writes a container that can be streamed
while it downloads.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewTranscodeCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewEncodersCommand())
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
