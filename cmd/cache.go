package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/babelcloud/shrink/config"
	"github.com/babelcloud/shrink/internal/transcode"
)

// CacheOptions holds command options
type CacheOptions struct {
	Force bool
}

// NewCacheCommand creates a new cache command
func NewCacheCommand() *cobra.Command {
	opts := &CacheOptions{}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shrink cache",
		Long:  `Manage the directory where in-progress containers are written`,
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover in-progress containers",
		Long:  `Remove containers left in the cache directory by transcodes that were interrupted before delivery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClean(cmd.OutOrStdout(), opts, config.GetCacheDir())
		},
	}

	cleanCmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Force clean without confirmation")

	cmd.AddCommand(cleanCmd)

	return cmd
}

// runCacheClean executes the cache clean command logic
func runCacheClean(w io.Writer, opts *CacheOptions, dir string) error {
	if !opts.Force {
		fmt.Fprintln(w, "Cache clean requires --force flag to proceed.")
		fmt.Fprintf(w, "This will remove leftover files from %s\n", dir)
		fmt.Fprintln(w, "Use: shrink cache clean --force")
		return nil
	}

	removed, err := transcode.CleanCache(dir)
	if len(removed) > 0 {
		fmt.Fprintln(w, "Cleaned cache items:")
		for _, item := range removed {
			fmt.Fprintf(w, "  - %s\n", item)
		}
	} else {
		fmt.Fprintln(w, "No cache items found to clean.")
	}
	if err != nil {
		return fmt.Errorf("cache clean completed with errors: %w", err)
	}

	fmt.Fprintln(w, "Cache clean completed successfully.")
	return nil
}
