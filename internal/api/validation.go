package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/events"
	"github.com/Spatial-NVR/opensec/internal/logging"
)

const maxListLimit = 500

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// queryReader collects errors while reading typed query parameters
type queryReader struct {
	values url.Values
	errors ValidationErrors
}

func (q *queryReader) int(field string, def, min, max int) int {
	raw := q.values.Get(field)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		q.errors = append(q.errors, ValidationError{Field: field, Message: "must be an integer"})
		return def
	}
	if n < min || n > max {
		q.errors = append(q.errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		})
		return def
	}
	return n
}

// time accepts RFC 3339 or unix seconds
func (q *queryReader) time(field string) *time.Time {
	raw := q.values.Get(field)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0)
		return &t
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.errors = append(q.errors, ValidationError{Field: field, Message: "must be RFC 3339 or unix seconds"})
		return nil
	}
	return &t
}

// parseIntruderQuery reads the intruder list filters
func parseIntruderQuery(values url.Values) (events.ListOptions, ValidationErrors) {
	q := &queryReader{values: values}

	opts := events.ListOptions{
		CameraID: values.Get("camera_id"),
		Label:    values.Get("label"),
		Limit:    q.int("limit", 50, 1, maxListLimit),
		Offset:   q.int("offset", 0, 0, 1<<30),
	}

	if opts.Label != "" {
		switch detection.Category(opts.Label) {
		case detection.CategoryPerson, detection.CategoryAnimal, detection.CategoryVehicle:
		default:
			q.errors = append(q.errors, ValidationError{Field: "label", Message: "must be person, animal or vehicle"})
		}
	}

	if t := q.time("start"); t != nil {
		opts.StartTime = *t
	}
	if t := q.time("end"); t != nil {
		opts.EndTime = *t
	}
	if !opts.StartTime.IsZero() && !opts.EndTime.IsZero() && opts.EndTime.Before(opts.StartTime) {
		q.errors = append(q.errors, ValidationError{Field: "end", Message: "must not be before start"})
	}

	return opts, q.errors
}

// parseLogQuery reads the log buffer filters
func parseLogQuery(values url.Values) (logging.Query, ValidationErrors) {
	q := &queryReader{values: values}

	query := logging.Query{
		Limit:     q.int("limit", 200, 1, 5000),
		Component: values.Get("component"),
		MinLevel:  logging.ParseLevel(values.Get("level")),
	}
	if t := q.time("since"); t != nil {
		query.Since = *t
	}
	return query, q.errors
}
