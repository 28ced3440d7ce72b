package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Spatial-NVR/opensec/internal/source"
)

// ClassifierConfig controls frame sampling and the confidence floor
type ClassifierConfig struct {
	SampleSize    int
	MinConfidence float64
}

// DefaultClassifierConfig returns the default sampling settings
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		SampleSize:    4,
		MinConfidence: 0.4,
	}
}

// Classifier turns a clip's stored frames into one Category
type Classifier struct {
	detector Detector
	cfg      ClassifierConfig
	logger   *slog.Logger
}

// NewClassifier creates a classifier backed by detector
func NewClassifier(detector Detector, cfg ClassifierConfig) *Classifier {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultClassifierConfig().SampleSize
	}
	return &Classifier{
		detector: detector,
		cfg:      cfg,
		logger:   slog.Default().With("component", "classifier"),
	}
}

// Classify samples frames, submits each one independently and maps the union
// of confident labels to a category. An empty or ambiguous result is
// CategoryNone with a nil error. An error is returned only when every
// submission failed.
func (c *Classifier) Classify(ctx context.Context, frames []*source.Frame) (Category, error) {
	sample := Sample(frames, c.cfg.SampleSize)
	if len(sample) == 0 {
		return CategoryNone, nil
	}

	var (
		union  []Label
		errs   []error
		failed int
	)
	for _, f := range sample {
		if err := ctx.Err(); err != nil {
			return CategoryNone, err
		}

		labels, err := c.detector.Detect(ctx, f.Image)
		if err != nil {
			failed++
			errs = append(errs, err)
			c.logger.Warn("Frame classification failed", "seq", f.Seq, "error", err)
			continue
		}
		for _, l := range labels {
			if l.Confidence >= c.cfg.MinConfidence {
				union = append(union, l)
			}
		}
	}

	if failed == len(sample) {
		return CategoryNone, fmt.Errorf("failed to classify %d frames: %w", failed, errors.Join(errs...))
	}

	category := CategoryFor(union)
	c.logger.Debug("Clip classified", "category", category.String(), "labels", len(union), "sampled", len(sample))
	return category, nil
}

// Sample picks n evenly spaced frames, always including the first. Fewer
// than n frames are returned as is.
func Sample(frames []*source.Frame, n int) []*source.Frame {
	if n <= 0 || len(frames) <= n {
		out := make([]*source.Frame, 0, len(frames))
		for _, f := range frames {
			if f != nil {
				out = append(out, f)
			}
		}
		return out
	}

	out := make([]*source.Frame, 0, n)
	for i := 0; i < n; i++ {
		if f := frames[i*len(frames)/n]; f != nil {
			out = append(out, f)
		}
	}
	return out
}
