package motion

import "image"

// Structuring elements as pixel offsets from the anchor
var (
	// ellipse3 matches a 3x3 elliptical kernel
	ellipse3 = []image.Point{{0, -1}, {-1, 0}, {0, 0}, {1, 0}, {0, 1}}
	rect3    = []image.Point{
		{-1, -1}, {0, -1}, {1, -1},
		{-1, 0}, {0, 0}, {1, 0},
		{-1, 1}, {0, 1}, {1, 1},
	}
)

// erode keeps a pixel set only if every in-bounds kernel neighbour is set
func erode(src *image.Gray, kernel []image.Point) *image.Gray {
	return morph(src, kernel, true)
}

// dilate sets a pixel if any in-bounds kernel neighbour is set
func dilate(src *image.Gray, kernel []image.Point) *image.Gray {
	return morph(src, kernel, false)
}

func morph(src *image.Gray, kernel []image.Point, all bool) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	w, h := b.Dx(), b.Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			set := all
			for _, k := range kernel {
				nx, ny := x+k.X, y+k.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				on := src.Pix[ny*src.Stride+nx] != 0
				if all && !on {
					set = false
					break
				}
				if !all && on {
					set = true
					break
				}
			}
			if set {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// open removes specks smaller than the kernel
func open(src *image.Gray, kernel []image.Point) *image.Gray {
	return dilate(erode(src, kernel), kernel)
}
