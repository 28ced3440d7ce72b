package source

import (
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Frame is one decoded image from a source. Frames are immutable once
// published; consumers that need to draw on one must copy it first.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
	Seq        uint64
}

// Size returns the frame dimensions
func (f *Frame) Size() image.Point {
	return f.Image.Bounds().Size()
}

// Resize returns a new frame scaled to exactly size. Grayscale frames stay
// single channel; everything else is converted to RGBA.
func (f *Frame) Resize(size image.Point) *Frame {
	return &Frame{
		Image:      ResizeImage(f.Image, size),
		CapturedAt: f.CapturedAt,
		Seq:        f.Seq,
	}
}

// ResizeImage scales img to exactly size
func ResizeImage(img image.Image, size image.Point) image.Image {
	rect := image.Rect(0, 0, size.X, size.Y)

	var dst draw.Image
	switch img.(type) {
	case *image.Gray:
		dst = image.NewGray(rect)
	default:
		dst = image.NewRGBA(rect)
	}

	draw.ApproxBiLinear.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
	return dst
}
