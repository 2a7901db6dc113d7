package frame

import (
	"image"

	"golang.org/x/image/draw"
)

// Renderer scales decoded frames into the encoder's input size. The output
// image is reused between calls; callers must be done with it before the next
// Draw.
type Renderer struct {
	scaler draw.Scaler
	dst    *image.YCbCr
}

// NewRenderer returns a renderer using interp, or bilinear filtering when
// interp is nil.
func NewRenderer(interp draw.Interpolator) *Renderer {
	if interp == nil {
		interp = draw.BiLinear
	}
	return &Renderer{scaler: interp}
}

// Draw scales src to width x height in 4:2:0 layout. A source already at the
// target size is returned as is.
func (r *Renderer) Draw(src *image.YCbCr, width, height int) *image.YCbCr {
	if src.Rect.Dx() == width && src.Rect.Dy() == height && src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		return src
	}
	if r.dst == nil || r.dst.Rect.Dx() != width || r.dst.Rect.Dy() != height {
		r.dst = image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	}

	r.scalePlane(lumaPlane(r.dst), lumaPlane(src))
	r.scalePlane(chromaPlane(r.dst, r.dst.Cb), chromaPlane(src, src.Cb))
	r.scalePlane(chromaPlane(r.dst, r.dst.Cr), chromaPlane(src, src.Cr))
	return r.dst
}

func (r *Renderer) scalePlane(dst, src *image.Gray) {
	r.scaler.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
}

func lumaPlane(img *image.YCbCr) *image.Gray {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	return &image.Gray{
		Pix:    img.Y[img.YOffset(img.Rect.Min.X, img.Rect.Min.Y):],
		Stride: img.YStride,
		Rect:   image.Rect(0, 0, w, h),
	}
}

func chromaPlane(img *image.YCbCr, pix []byte) *image.Gray {
	cw, ch := chromaSize(img)
	return &image.Gray{
		Pix:    pix[img.COffset(img.Rect.Min.X, img.Rect.Min.Y):],
		Stride: img.CStride,
		Rect:   image.Rect(0, 0, cw, ch),
	}
}

func chromaSize(img *image.YCbCr) (int, int) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	switch img.SubsampleRatio {
	case image.YCbCrSubsampleRatio420:
		return (w + 1) / 2, (h + 1) / 2
	case image.YCbCrSubsampleRatio422:
		return (w + 1) / 2, h
	case image.YCbCrSubsampleRatio440:
		return w, (h + 1) / 2
	case image.YCbCrSubsampleRatio411:
		return (w + 3) / 4, h
	case image.YCbCrSubsampleRatio410:
		return (w + 3) / 4, (h + 1) / 2
	default:
		return w, h
	}
}
