// Package logging keeps recent structured log entries in memory so they can
// be served over the API and followed live.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured record
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Query filters buffered entries
type Query struct {
	Limit     int
	Component string
	// MinLevel drops entries below this level
	MinLevel slog.Level
	Since    time.Time
}

// Match reports whether e passes the component, level and time filters
func (q Query) Match(e LogEntry) bool {
	if q.Component != "" && e.Component != q.Component {
		return false
	}
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	return ParseLevel(e.Level) >= q.MinLevel
}

// RingBuffer holds the last N entries and fans new ones out to followers
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []LogEntry
	next int
	full bool

	followMu  sync.Mutex
	followers map[chan LogEntry]struct{}
}

// NewRingBuffer creates a buffer of size entries, 1000 when size is not positive
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		buf:       make([]LogEntry, size),
		followers: make(map[chan LogEntry]struct{}),
	}
}

// Add stores entry, overwriting the oldest one when full. Followers that are
// not keeping up miss the entry.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.buf[rb.next] = entry
	rb.next++
	if rb.next == len(rb.buf) {
		rb.next, rb.full = 0, true
	}
	rb.mu.Unlock()

	rb.followMu.Lock()
	for ch := range rb.followers {
		select {
		case ch <- entry:
		default:
		}
	}
	rb.followMu.Unlock()
}

// snapshot returns all stored entries, oldest first
func (rb *RingBuffer) snapshot() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if !rb.full {
		return append([]LogEntry(nil), rb.buf[:rb.next]...)
	}
	out := make([]LogEntry, 0, len(rb.buf))
	out = append(out, rb.buf[rb.next:]...)
	return append(out, rb.buf[:rb.next]...)
}

// GetRecent returns the newest n entries (all when n <= 0), oldest first
func (rb *RingBuffer) GetRecent(n int) []LogEntry {
	all := rb.snapshot()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Find returns the newest entries matching q, oldest first
func (rb *RingBuffer) Find(q Query) []LogEntry {
	var out []LogEntry
	for _, e := range rb.snapshot() {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	if out == nil {
		out = []LogEntry{}
	}
	return out
}

// Subscribe returns a channel receiving every entry added from now on
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.followMu.Lock()
	rb.followers[ch] = struct{}{}
	rb.followMu.Unlock()
	return ch
}

// Unsubscribe stops and closes ch. Repeated calls are no-ops.
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.followMu.Lock()
	defer rb.followMu.Unlock()
	if _, ok := rb.followers[ch]; ok {
		delete(rb.followers, ch)
		close(ch)
	}
}

// StreamHandler records into a RingBuffer and then hands the record to a
// JSON handler writing to the process output
type StreamHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	level  slog.Leveler

	component string
	prefix    string
	attrs     map[string]interface{}
}

// NewStreamHandler creates the process handler. Passing a *slog.LevelVar
// allows the level to change at runtime.
func NewStreamHandler(buffer *RingBuffer, out io.Writer, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer: buffer,
		next:   slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}),
		level:  level,
	}
}

func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: h.component,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		entry.Attrs = make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			entry.Attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" && h.prefix == "" {
				entry.Component = a.Value.String()
			} else {
				entry.Attrs[h.prefix+a.Key] = attrValue(a.Value)
			}
			return true
		})
		if len(entry.Attrs) == 0 {
			entry.Attrs = nil
		}
	}
	h.buffer.Add(entry)

	return h.next.Handle(ctx, r)
}

func (h *StreamHandler) clone() *StreamHandler {
	c := *h
	c.attrs = make(map[string]interface{}, len(h.attrs))
	for k, v := range h.attrs {
		c.attrs[k] = v
	}
	return &c
}

func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs[h.prefix+a.Key] = attrValue(a.Value)
	}
	return c
}

func (h *StreamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.next = h.next.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return c
}

// attrValue returns a JSON friendly value; errors become their message
func attrValue(v slog.Value) interface{} {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo
	}
	return l
}
