package recording

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"os"
	"time"

	"golang.org/x/image/draw"

	"github.com/Spatial-NVR/opensec/internal/source"
	"github.com/Spatial-NVR/opensec/internal/storage"
)

// encodePreview builds an animated preview from every stride-th frame,
// scaled by scale and played back at fps
func encodePreview(frames []*source.Frame, stride int, scale float64, fps int) *gif.GIF {
	anim := &gif.GIF{}
	delay := 100 / fps
	if delay < 2 {
		delay = 2
	}

	for i := 0; i < len(frames); i += stride {
		img := frames[i].Image
		if img == nil {
			continue
		}
		b := img.Bounds()
		w := max(1, int(float64(b.Dx())*scale))
		h := max(1, int(float64(b.Dy())*scale))

		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Rect, img, b, draw.Src, nil)

		pal := image.NewPaletted(scaled.Rect, palette.Plan9)
		draw.FloydSteinberg.Draw(pal, pal.Rect, scaled, image.Point{})

		anim.Image = append(anim.Image, pal)
		anim.Delay = append(anim.Delay, delay)
	}
	return anim
}

// writePreview stores the animated preview next to the thumbnail
func (r *ClipRecorder) writePreview(name string, startedAt time.Time, frames []*source.Frame) (string, error) {
	anim := encodePreview(frames, r.cfg.GIFStride, r.cfg.GIFScale, r.cfg.GIFFPS)
	if len(anim.Image) == 0 {
		return "", nil
	}

	dir := r.layout.Gifs(name)
	if err := storage.EnsureDir(dir); err != nil {
		return "", err
	}
	path := uniquePath(dir, startedAt.Format(ClipTimeFormat), ".gif")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create preview: %w", err)
	}
	if err := gif.EncodeAll(f, anim); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write preview: %w", err)
	}
	return path, nil
}
