package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var errEndOfStream = errors.New("end of stream")

// FileFeed reads a local video file once and stops at its end
type FileFeed struct {
	*feed
}

// NewFileFeed validates the path and returns a stopped feed
func NewFileFeed(name, path string, opts Options) (*FileFeed, error) {
	path, err := validateFilePath(path)
	if err != nil {
		return nil, err
	}

	f := &FileFeed{feed: newFeed(name, path, opts)}
	f.onReadError = endOfFile
	return f, nil
}

func endOfFile(_ context.Context, cause error) error {
	if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrUnexpectedEOF) {
		return errEndOfStream
	}
	return fmt.Errorf("file read failed: %w", cause)
}
