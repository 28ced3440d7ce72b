// Package detection submits stored clip frames to the external classification
// service and reduces its labels to a coarse intruder category.
package detection

import (
	"context"
	"image"
	"strings"
)

// ObjectType represents a detected object type
type ObjectType string

const (
	ObjectPerson  ObjectType = "person"
	ObjectVehicle ObjectType = "vehicle"
	ObjectAnimal  ObjectType = "animal"
	ObjectUnknown ObjectType = "unknown"
)

// Category is the coarse classification stored with an intruder record
type Category string

const (
	CategoryPerson  Category = "person"
	CategoryAnimal  Category = "animal"
	CategoryVehicle Category = "vehicle"
	CategoryNone    Category = ""
)

// String returns the category label, "none" for CategoryNone
func (c Category) String() string {
	if c == CategoryNone {
		return "none"
	}
	return string(c)
}

// Label is one (label, confidence) pair returned by the classifier
type Label struct {
	Name       string     `json:"label"`
	ObjectType ObjectType `json:"object_type,omitempty"`
	Confidence float64    `json:"confidence"`
}

// Detector is the black-box per-frame classifier contract
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Label, error)
}

var personLabels = map[string]bool{
	"person":     true,
	"people":     true,
	"man":        true,
	"woman":      true,
	"boy":        true,
	"girl":       true,
	"child":      true,
	"pedestrian": true,
	"face":       true,
}

var animalLabels = map[string]bool{
	"animal":  true,
	"dog":     true,
	"cat":     true,
	"bird":    true,
	"horse":   true,
	"sheep":   true,
	"cow":     true,
	"bear":    true,
	"deer":    true,
	"fox":     true,
	"raccoon": true,
}

var vehicleLabels = map[string]bool{
	"vehicle":    true,
	"car":        true,
	"truck":      true,
	"bus":        true,
	"motorcycle": true,
	"bicycle":    true,
	"van":        true,
}

// TypeOf maps a raw label to its object type. An explicit object type from
// the service wins over the label text.
func TypeOf(l Label) ObjectType {
	switch l.ObjectType {
	case ObjectPerson, ObjectAnimal, ObjectVehicle:
		return l.ObjectType
	}

	name := strings.ToLower(strings.TrimSpace(l.Name))
	switch {
	case personLabels[name]:
		return ObjectPerson
	case animalLabels[name]:
		return ObjectAnimal
	case vehicleLabels[name]:
		return ObjectVehicle
	}
	return ObjectUnknown
}

// CategoryFor reduces a label set to one category. Person beats animal beats
// vehicle; anything else is CategoryNone.
func CategoryFor(labels []Label) Category {
	var animal, vehicle bool
	for _, l := range labels {
		switch TypeOf(l) {
		case ObjectPerson:
			return CategoryPerson
		case ObjectAnimal:
			animal = true
		case ObjectVehicle:
			vehicle = true
		}
	}

	switch {
	case animal:
		return CategoryAnimal
	case vehicle:
		return CategoryVehicle
	}
	return CategoryNone
}
