package codec

import "fmt"

const (
	DefaultFrameRate         = 30
	DefaultIFrameIntervalSec = 1
)

// AlignDown returns the largest multiple of align that is not above
// r.Clamp(v).
func AlignDown(v int, r Range, align int) int {
	v = r.Clamp(v)
	if align <= 1 {
		return v
	}
	return v - v%align
}

// AdjustSize fits width and height into the encoder's supported range and
// alignment. With allowAdjust false an unsupported size is reported as a
// ConfigurationError instead of being changed.
func AdjustSize(d Descriptor, width, height int, allowAdjust bool) (int, int, error) {
	caps := d.Caps
	if !allowAdjust {
		if !caps.Widths.Contains(width) || !caps.Heights.Contains(height) {
			return 0, 0, &ConfigurationError{
				Codec:  d.Name,
				Reason: fmt.Sprintf("size %dx%d outside supported range %d-%d x %d-%d", width, height, caps.Widths.Min, caps.Widths.Max, caps.Heights.Min, caps.Heights.Max),
			}
		}
		if (caps.WidthAlignment > 1 && width%caps.WidthAlignment != 0) || (caps.HeightAlignment > 1 && height%caps.HeightAlignment != 0) {
			return 0, 0, &ConfigurationError{
				Codec:  d.Name,
				Reason: fmt.Sprintf("size %dx%d not aligned to %dx%d", width, height, caps.WidthAlignment, caps.HeightAlignment),
			}
		}
		return width, height, nil
	}
	return AlignDown(width, caps.Widths, caps.WidthAlignment), AlignDown(height, caps.Heights, caps.HeightAlignment), nil
}

// SelectProfile picks High, then Main, ignoring constrained variants, and
// falls back to Baseline.
func SelectProfile(caps Capabilities) Profile {
	for _, p := range []Profile{ProfileHigh, ProfileMain} {
		if caps.SupportsProfile(p) {
			return p
		}
	}
	return ProfileBaseline
}

// EncoderFormat builds the encoder input format for the requested output.
// Zero frame rate or interval fall back to the source values and then to the
// package defaults.
func EncoderFormat(d Descriptor, req Format, source Format, allowAdjust bool) (Format, error) {
	w, h, err := AdjustSize(d, req.Width, req.Height, allowAdjust)
	if err != nil {
		return Format{}, err
	}
	f := Format{
		MIME:              MimeAVC,
		Width:             w,
		Height:            h,
		Bitrate:           req.Bitrate,
		FrameRate:         firstPositive(req.FrameRate, source.FrameRate, DefaultFrameRate),
		IFrameIntervalSec: firstPositive(req.IFrameIntervalSec, source.IFrameIntervalSec, DefaultIFrameIntervalSec),
		Profile:           SelectProfile(d.Caps),
	}
	return f, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
