//go:build gocv

package motion

import (
	"image"

	"gocv.io/x/gocv"
)

func init() {
	newDefaultSubtractor = func() Subtractor {
		return NewKNN(500, 400, true)
	}
}

// KNN is OpenCV's K-nearest-neighbours background subtractor. Shadow pixels
// (marked 127 by OpenCV) are dropped by the binary threshold.
type KNN struct {
	knn    gocv.BackgroundSubtractorKNN
	fgMask gocv.Mat
	thresh gocv.Mat
}

// NewKNN creates an OpenCV KNN subtractor
func NewKNN(history int, dist2Threshold float32, detectShadows bool) *KNN {
	return &KNN{
		knn:    gocv.NewBackgroundSubtractorKNNWithParams(history, dist2Threshold, detectShadows),
		fgMask: gocv.NewMat(),
		thresh: gocv.NewMat(),
	}
}

func (k *KNN) Apply(img image.Image) *image.Gray {
	size := img.Bounds().Size()
	empty := image.NewGray(image.Rect(0, 0, size.X, size.Y))

	frame, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return empty
	}
	defer frame.Close()

	k.knn.Apply(frame, &k.fgMask)
	gocv.Threshold(k.fgMask, &k.thresh, 200, 255, gocv.ThresholdBinary)

	out, err := k.thresh.ToImage()
	if err != nil {
		return empty
	}
	if gray, ok := out.(*image.Gray); ok {
		return gray
	}
	return empty
}

func (k *KNN) Close() error {
	k.fgMask.Close()
	k.thresh.Close()
	return k.knn.Close()
}
