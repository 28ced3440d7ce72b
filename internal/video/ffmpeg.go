package video

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// LogWriter forwards process output lines to a slog logger
type LogWriter struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (w *LogWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.Logger.Log(context.Background(), w.Level, line)
		}
	}
	return len(p), nil
}

// SanitizeURL masks credentials so a source URI can be logged
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.UserPassword("***", "***")
	// url.String escapes the mask characters
	return strings.Replace(u.String(), "%2A%2A%2A:%2A%2A%2A@", "***:***@", 1)
}

// IsNetworkURI reports whether the URI names a network stream rather than a local file
func IsNetworkURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtmp", "http", "https":
		return true
	}
	return false
}

// InputArgs returns the ffmpeg arguments that open a source URI
func InputArgs(uri string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(uri), "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args, "-i", uri)
}
