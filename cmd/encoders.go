package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/shrink/config"
	"github.com/babelcloud/shrink/internal/codec"
	"github.com/babelcloud/shrink/internal/codec/ffmpeg"
	"github.com/babelcloud/shrink/internal/util"
)

func NewEncodersCommand() *cobra.Command {
	var ffmpegPath string

	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "List the H.264 encoders available to transcode, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ffmpegPath != "" {
				config.Set("ffmpeg.path", ffmpegPath)
			}
			registry, err := ffmpeg.NewRegistry(cmd.Context(), config.GetFFmpegPath(), util.GetLogger())
			if err != nil {
				return err
			}
			renderEncoders(cmd.OutOrStdout(), registry.Encoders(codec.MimeAVC))
			return nil
		},
	}

	cmd.Flags().StringVar(&ffmpegPath, "ffmpeg", "", "Path to the ffmpeg binary")

	return cmd
}

func renderEncoders(w io.Writer, encoders []codec.Descriptor) {
	columns := []util.TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "HARDWARE", Key: "hardware"},
		{Header: "WIDTH", Key: "width", Align: util.AlignRight},
		{Header: "HEIGHT", Key: "height", Align: util.AlignRight},
		{Header: "ALIGN", Key: "align", Align: util.AlignRight},
		{Header: "PROFILES", Key: "profiles"},
	}

	var rows []map[string]interface{}
	for _, d := range encoders {
		hw := color.New(color.FgYellow).Sprint("no")
		if d.Hardware {
			hw = color.New(color.FgGreen).Sprint("yes")
		}
		row := map[string]interface{}{
			"name":     d.Name,
			"hardware": hw,
			"width":    fmt.Sprintf("%d-%d", d.Caps.Widths.Min, d.Caps.Widths.Max),
			"height":   fmt.Sprintf("%d-%d", d.Caps.Heights.Min, d.Caps.Heights.Max),
			"align":    fmt.Sprintf("%dx%d", d.Caps.WidthAlignment, d.Caps.HeightAlignment),
		}
		if len(d.Caps.Profiles) > 0 {
			profiles := make([]string, 0, len(d.Caps.Profiles))
			for _, p := range d.Caps.Profiles {
				profiles = append(profiles, p.String())
			}
			row["profiles"] = strings.Join(profiles, ",")
		}
		rows = append(rows, row)
	}

	util.RenderTable(w, columns, rows)
}
