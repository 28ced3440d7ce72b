package detection

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/Spatial-NVR/opensec/internal/source"
)

type fakeDetector struct {
	mu     sync.Mutex
	calls  int
	labels [][]Label
	err    error
}

func (d *fakeDetector) Detect(_ context.Context, _ image.Image) ([]Label, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.calls
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if i < len(d.labels) {
		return d.labels[i], nil
	}
	return nil, nil
}

func makeFrames(n int) []*source.Frame {
	frames := make([]*source.Frame, n)
	for i := range frames {
		frames[i] = &source.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), Seq: uint64(i)}
	}
	return frames
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		name   string
		labels []Label
		want   Category
	}{
		{"empty", nil, CategoryNone},
		{"unknown only", []Label{{Name: "chair"}}, CategoryNone},
		{"person", []Label{{Name: "person"}}, CategoryPerson},
		{"person beats animal", []Label{{Name: "dog"}, {Name: "Person"}}, CategoryPerson},
		{"animal beats vehicle", []Label{{Name: "car"}, {Name: "cat"}}, CategoryAnimal},
		{"vehicle", []Label{{Name: "truck"}}, CategoryVehicle},
		{"object type wins", []Label{{Name: "thing", ObjectType: ObjectPerson}}, CategoryPerson},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryFor(tt.labels); got != tt.want {
				t.Errorf("CategoryFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategoryString(t *testing.T) {
	if CategoryNone.String() != "none" {
		t.Errorf("Expected none, got %q", CategoryNone.String())
	}
	if CategoryPerson.String() != "person" {
		t.Errorf("Expected person, got %q", CategoryPerson.String())
	}
}

func TestSample(t *testing.T) {
	frames := makeFrames(100)

	got := Sample(frames, 4)
	if len(got) != 4 {
		t.Fatalf("Expected 4 frames, got %d", len(got))
	}
	want := []uint64{0, 25, 50, 75}
	for i, f := range got {
		if f.Seq != want[i] {
			t.Errorf("Sample[%d] = %d, want %d", i, f.Seq, want[i])
		}
	}

	if got := Sample(frames[:3], 4); len(got) != 3 {
		t.Errorf("Expected all 3 frames, got %d", len(got))
	}
	if got := Sample(nil, 4); len(got) != 0 {
		t.Errorf("Expected no frames, got %d", len(got))
	}
}

func TestClassifyAppliesFloorAndUnion(t *testing.T) {
	det := &fakeDetector{labels: [][]Label{
		{{Name: "dog", Confidence: 0.8}},
		{{Name: "person", Confidence: 0.2}},
		{},
		{{Name: "car", Confidence: 0.9}},
	}}
	c := NewClassifier(det, DefaultClassifierConfig())

	got, err := c.Classify(context.Background(), makeFrames(40))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got != CategoryAnimal {
		t.Errorf("Expected animal (low confidence person ignored), got %q", got)
	}
	if det.calls != 4 {
		t.Errorf("Expected 4 submissions, got %d", det.calls)
	}
}

func TestClassifyPersonWins(t *testing.T) {
	det := &fakeDetector{labels: [][]Label{
		{{Name: "cat", Confidence: 0.9}},
		{{Name: "person", Confidence: 0.6}},
	}}
	c := NewClassifier(det, DefaultClassifierConfig())

	got, err := c.Classify(context.Background(), makeFrames(10))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if got != CategoryPerson {
		t.Errorf("Expected person, got %q", got)
	}
}

func TestClassifyNoneIsNotError(t *testing.T) {
	c := NewClassifier(&fakeDetector{}, DefaultClassifierConfig())

	got, err := c.Classify(context.Background(), makeFrames(10))
	if err != nil {
		t.Fatalf("Expected nil error, got %v", err)
	}
	if got != CategoryNone {
		t.Errorf("Expected none, got %q", got)
	}
}

func TestClassifyAllFailed(t *testing.T) {
	boom := errors.New("unreachable")
	c := NewClassifier(&fakeDetector{err: boom}, DefaultClassifierConfig())

	got, err := c.Classify(context.Background(), makeFrames(10))
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
	if got != CategoryNone {
		t.Errorf("Expected none, got %q", got)
	}
}
