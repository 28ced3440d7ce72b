package logging

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Add(LogEntry{Message: msg, Time: time.Unix(int64(i), 0)})
	}

	got := rb.GetRecent(10)
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	if got[0].Message != "c" || got[2].Message != "e" {
		t.Errorf("Expected c..e oldest first, got %v", got)
	}
	if last := rb.GetRecent(1); last[0].Message != "e" {
		t.Errorf("Expected newest entry e, got %s", last[0].Message)
	}
}

func TestFind(t *testing.T) {
	rb := NewRingBuffer(10)
	base := time.Now()
	rb.Add(LogEntry{Message: "1", Level: "INFO", Component: "orchestrator", Time: base})
	rb.Add(LogEntry{Message: "2", Level: "ERROR", Component: "recorder", Time: base.Add(time.Second)})
	rb.Add(LogEntry{Message: "3", Level: "WARN", Component: "orchestrator", Time: base.Add(2 * time.Second)})
	rb.Add(LogEntry{Message: "4", Level: "DEBUG", Component: "orchestrator", Time: base.Add(3 * time.Second)})

	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"all", Query{MinLevel: slog.LevelDebug}, "1234"},
		{"component", Query{Component: "orchestrator", MinLevel: slog.LevelDebug}, "134"},
		{"level", Query{MinLevel: slog.LevelWarn}, "23"},
		{"limit keeps newest", Query{Limit: 2, MinLevel: slog.LevelDebug}, "34"},
		{"since", Query{Since: base.Add(1500 * time.Millisecond), MinLevel: slog.LevelDebug}, "34"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sb strings.Builder
			for _, e := range rb.Find(tt.q) {
				sb.WriteString(e.Message)
			}
			if sb.String() != tt.want {
				t.Errorf("Find() = %s, want %s", sb.String(), tt.want)
			}
		})
	}
}

func TestStreamHandlerCapturesEntries(t *testing.T) {
	rb := NewRingBuffer(10)
	var out bytes.Buffer
	level := new(slog.LevelVar)
	logger := slog.New(NewStreamHandler(rb, &out, level)).With("component", "recorder")

	logger.Debug("hidden")
	logger.Error("Failed to save clip", "camera", "garage", "error", errors.New("disk full"))

	entries := rb.GetRecent(10)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Component != "recorder" || e.Level != "ERROR" || e.Message != "Failed to save clip" {
		t.Errorf("Unexpected entry %+v", e)
	}
	if e.Attrs["camera"] != "garage" || e.Attrs["error"] != "disk full" {
		t.Errorf("Unexpected attrs %v", e.Attrs)
	}
	if !strings.Contains(out.String(), `"msg":"Failed to save clip"`) {
		t.Errorf("Expected JSON output, got %s", out.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	if n := len(rb.GetRecent(10)); n != 2 {
		t.Errorf("Expected level change to apply, got %d entries", n)
	}
}

func TestSubscribe(t *testing.T) {
	rb := NewRingBuffer(10)
	ch := rb.Subscribe()
	rb.Add(LogEntry{Message: "live"})

	select {
	case e := <-ch:
		if e.Message != "live" {
			t.Errorf("Unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive entry")
	}

	rb.Unsubscribe(ch)
	rb.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStreamHandlerGroups(t *testing.T) {
	rb := NewRingBuffer(10)
	logger := slog.New(NewStreamHandler(rb, io.Discard, slog.LevelInfo)).
		With("component", "publisher").
		WithGroup("ffmpeg").
		With("pid", 42)

	logger.Info("Transcoder exited", "code", 1)

	e := rb.GetRecent(1)[0]
	if e.Component != "publisher" {
		t.Errorf("Expected component publisher, got %q", e.Component)
	}
	if e.Attrs["ffmpeg.pid"] != int64(42) || e.Attrs["ffmpeg.code"] != int64(1) {
		t.Errorf("Expected grouped attrs, got %v", e.Attrs)
	}
}
