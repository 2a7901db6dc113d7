package transcode

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/babelcloud/shrink/internal/metrics"
	"github.com/babelcloud/shrink/internal/mp4"
)

// deliver moves the finished cache file to output. Streamable output is
// rewritten with the movie box in front. The cache file is gone afterwards
// whatever the outcome, and a cancelled delivery leaves no output behind.
func (r *Runner) deliver(ctx context.Context, cache, output string, streamable bool) error {
	defer os.Remove(cache)

	if ctx.Err() != nil {
		return ErrCancelled
	}

	if streamable {
		if err := mp4.Relocate(ctx, cache, output); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return &IOError{Op: "relocate", Path: output, Err: err}
		}
		metrics.RelocationsTotal.Inc()
		r.logger.Debug("relocated movie box", "output", output)
		return nil
	}

	if err := os.Rename(cache, output); err == nil {
		return nil
	}
	// Cache and output may live on different filesystems.
	if err := copyFile(ctx, cache, output); err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &IOError{Op: "copy", Path: output, Err: err}
	}
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &contextReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, errors.WithStack(err)
	}
	return c.r.Read(p)
}
