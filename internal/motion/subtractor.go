package motion

import (
	"image"
	"image/color"
)

// Subtractor maintains a background model and returns a binary foreground
// mask (0 or 255) for each frame it is given.
type Subtractor interface {
	Apply(img image.Image) *image.Gray
	Close() error
}

// newDefaultSubtractor is replaced by the OpenCV backend when built with -tags gocv
var newDefaultSubtractor = func() Subtractor {
	return NewRunningAverage(0.02, 25)
}

// RunningAverage models the background as an exponentially weighted mean of
// luminance. The first frame seeds the model and yields an empty mask.
type RunningAverage struct {
	alpha     float32
	threshold float32
	bg        []float32
	size      image.Point
}

// NewRunningAverage returns a subtractor with learning rate alpha and a
// per-pixel luminance threshold on the 0-255 scale
func NewRunningAverage(alpha, threshold float32) *RunningAverage {
	return &RunningAverage{alpha: alpha, threshold: threshold}
}

func (r *RunningAverage) Apply(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))

	if r.bg == nil || r.size != b.Size() {
		r.size = b.Size()
		r.bg = make([]float32, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.bg[y*w+x] = luminance(img, b.Min.X+x, b.Min.Y+y)
			}
		}
		return mask
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			l := luminance(img, b.Min.X+x, b.Min.Y+y)
			d := l - r.bg[i]
			if d > r.threshold || -d > r.threshold {
				mask.Pix[y*mask.Stride+x] = 255
			}
			r.bg[i] += r.alpha * d
		}
	}
	return mask
}

func (r *RunningAverage) Close() error {
	r.bg = nil
	return nil
}

func luminance(img image.Image, x, y int) float32 {
	switch im := img.(type) {
	case *image.Gray:
		return float32(im.Pix[im.PixOffset(x, y)])
	case *image.RGBA:
		i := im.PixOffset(x, y)
		return 0.299*float32(im.Pix[i]) + 0.587*float32(im.Pix[i+1]) + 0.114*float32(im.Pix[i+2])
	default:
		return float32(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
	}
}
