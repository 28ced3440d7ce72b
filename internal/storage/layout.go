// Package storage defines the on-disk media layout shared by recording,
// restreaming and snapshot capture.
package storage

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	VideosDir     = "videos"
	ThumbnailsDir = "thumbnails"
	GifsDir       = "gifs"
	StreamDir     = "stream"
	SnapshotsDir  = "snapshots"
)

// Layout resolves per-source directories under one media root:
//
//	<root>/videos/<source>/
//	<root>/thumbnails/<source>/
//	<root>/gifs/<source>/
//	<root>/stream/<source>/
//	<root>/snapshots/
type Layout struct {
	Root string
}

// Videos returns the clip directory for a source
func (l Layout) Videos(source string) string {
	return filepath.Join(l.Root, VideosDir, SanitizeName(source))
}

// Thumbnails returns the thumbnail directory for a source
func (l Layout) Thumbnails(source string) string {
	return filepath.Join(l.Root, ThumbnailsDir, SanitizeName(source))
}

// Gifs returns the animated preview directory for a source
func (l Layout) Gifs(source string) string {
	return filepath.Join(l.Root, GifsDir, SanitizeName(source))
}

// Stream returns the live manifest directory for a source
func (l Layout) Stream(source string) string {
	return filepath.Join(l.Root, StreamDir, SanitizeName(source))
}

// Snapshots returns the preview image directory
func (l Layout) Snapshots() string {
	return filepath.Join(l.Root, SnapshotsDir)
}

// Rel returns path relative to the media root, using forward slashes, for
// building URLs. Paths outside the root are returned unchanged.
func (l Layout) Rel(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// EnsureDir creates dir and its parents. Existing directories and their
// contents are left alone.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeName makes a source identifier safe to use as a directory name.
// Identifiers that had to be rewritten get a hash of the original appended,
// so "cam 1" and "cam/1" never share a directory.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	clean := unsafeChars.ReplaceAllString(name, "_")
	clean = strings.Trim(clean, "._")
	if clean == name && clean != "" {
		return clean
	}
	if clean == "" {
		clean = "source"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%s-%08x", clean, h.Sum32())
}
