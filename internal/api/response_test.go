package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseHelpers(t *testing.T) {
	tests := []struct {
		name        string
		write       func(w http.ResponseWriter)
		wantStatus  int
		wantSuccess bool
		wantCode    string
	}{
		{"ok", func(w http.ResponseWriter) { OK(w, map[string]string{"a": "b"}) }, http.StatusOK, true, ""},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "nope") }, http.StatusBadRequest, false, "BAD_REQUEST"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound, false, "NOT_FOUND"},
		{"internal", func(w http.ResponseWriter) { InternalError(w, "boom") }, http.StatusInternalServerError, false, "INTERNAL_ERROR"},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "later") }, http.StatusServiceUnavailable, false, "UNAVAILABLE"},
		{"validation", func(w http.ResponseWriter) {
			ValidationErrorResponse(w, ValidationErrors{{Field: "limit", Message: "bad"}})
		}, http.StatusBadRequest, false, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected application/json, got %s", ct)
			}

			var resp Response
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if resp.Success != tt.wantSuccess {
				t.Errorf("Expected success=%v", tt.wantSuccess)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Expected error code %s, got %+v", tt.wantCode, resp.Error)
			}
		})
	}
}

func TestListMeta(t *testing.T) {
	w := httptest.NewRecorder()
	List(w, []string{"a", "b"}, 12, 2, -5)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if resp.Meta == nil {
		t.Fatal("Expected meta")
	}
	if resp.Meta.Total != 12 || resp.Meta.Limit != 2 || resp.Meta.Offset != 0 || !resp.Meta.HasMore {
		t.Errorf("Unexpected meta %+v", resp.Meta)
	}
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	NoContent(w)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("Expected empty 204, got %d %q", w.Code, w.Body.String())
	}
}
