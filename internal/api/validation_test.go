package api

import (
	"log/slog"
	"net/url"
	"testing"
	"time"
)

func TestParseIntruderQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantErrors []string
	}{
		{name: "defaults", query: ""},
		{name: "valid filters", query: "camera_id=front&label=vehicle&limit=20&offset=40"},
		{name: "limit too large", query: "limit=1000", wantErrors: []string{"limit"}},
		{name: "limit not a number", query: "limit=ten", wantErrors: []string{"limit"}},
		{name: "negative offset", query: "offset=-1", wantErrors: []string{"offset"}},
		{name: "unknown label", query: "label=ghost", wantErrors: []string{"label"}},
		{name: "bad start", query: "start=yesterday", wantErrors: []string{"start"}},
		{name: "end before start", query: "start=2000&end=1000", wantErrors: []string{"end"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			_, errs := parseIntruderQuery(values)
			if len(errs) != len(tt.wantErrors) {
				t.Fatalf("Expected %d errors, got %v", len(tt.wantErrors), errs)
			}
			for i, field := range tt.wantErrors {
				if errs[i].Field != field {
					t.Errorf("Expected error on %s, got %s", field, errs[i].Field)
				}
			}
		})
	}
}

func TestParseIntruderQueryValues(t *testing.T) {
	values := url.Values{
		"camera_id": {"front"},
		"label":     {"person"},
		"start":     {"2024-03-01T10:00:00Z"},
		"end":       {"1709290800"},
	}
	opts, errs := parseIntruderQuery(values)
	if errs.HasErrors() {
		t.Fatalf("Unexpected errors: %v", errs)
	}
	if opts.Limit != 50 || opts.Offset != 0 {
		t.Errorf("Expected default paging, got limit=%d offset=%d", opts.Limit, opts.Offset)
	}
	if !opts.StartTime.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected start %v", opts.StartTime)
	}
	if !opts.EndTime.Equal(time.Unix(1709290800, 0)) {
		t.Errorf("Unexpected end %v", opts.EndTime)
	}
}

func TestParseLogQuery(t *testing.T) {
	q, errs := parseLogQuery(url.Values{"level": {"warn"}, "component": {"recorder"}, "limit": {"5"}})
	if errs.HasErrors() {
		t.Fatalf("Unexpected errors: %v", errs)
	}
	if q.MinLevel != slog.LevelWarn || q.Component != "recorder" || q.Limit != 5 {
		t.Errorf("Unexpected query %+v", q)
	}

	q, _ = parseLogQuery(url.Values{})
	if q.Limit != 200 || q.MinLevel != slog.LevelInfo {
		t.Errorf("Unexpected defaults %+v", q)
	}

	if _, errs := parseLogQuery(url.Values{"limit": {"0"}}); !errs.HasErrors() {
		t.Error("Expected limit=0 to be rejected")
	}
}

func TestValidationErrorsString(t *testing.T) {
	errs := ValidationErrors{
		{Field: "limit", Message: "must be an integer"},
		{Field: "label", Message: "must be person, animal or vehicle"},
	}
	want := "limit: must be an integer; label: must be person, animal or vehicle"
	if errs.Error() != want {
		t.Errorf("Error() = %q, want %q", errs.Error(), want)
	}
}
