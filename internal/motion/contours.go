package motion

import "image"

// Contour is one outer foreground region
type Contour struct {
	Bounds image.Rectangle `json:"bounds"`
	Area   int             `json:"area"`
}

// findRegions labels 8-connected foreground regions and returns those with
// at least minArea pixels
func findRegions(mask *image.Gray, minArea int) []Contour {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	seen := make([]bool, w*h)
	stack := make([]int, 0, 256)

	var out []Contour
	for start := 0; start < w*h; start++ {
		sx, sy := start%w, start/w
		if seen[start] || mask.Pix[sy*mask.Stride+sx] == 0 {
			continue
		}

		seen[start] = true
		stack = append(stack[:0], start)
		area := 0
		bounds := image.Rect(sx, sy, sx+1, sy+1)

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			area++
			bounds = bounds.Union(image.Rect(x, y, x+1, y+1))

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if seen[n] || mask.Pix[ny*mask.Stride+nx] == 0 {
						continue
					}
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}

		if area >= minArea {
			out = append(out, Contour{Bounds: bounds.Add(b.Min), Area: area})
		}
	}
	return out
}
