package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/bmp"

	"github.com/Spatial-NVR/opensec/internal/video"
)

const bmpHeaderSize = 14

// ffmpegCapture decodes a source to a stream of BMP images on stdout
type ffmpegCapture struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	reader    *bufio.Reader
	header    []byte
	closeOnce sync.Once
}

// NewFFmpegOpener returns an Opener that spawns ffmpeg and reads frames at fps
func NewFFmpegOpener(ffmpegPath string, fps int) Opener {
	if fps <= 0 {
		fps = 20
	}
	return func(ctx context.Context, uri string) (Capture, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := video.InputArgs(uri)
		args = append(args,
			"-an",
			"-vf", "fps="+strconv.Itoa(fps),
			"-c:v", "bmp",
			"-f", "image2pipe",
			"-",
		)

		// Not bound to ctx: the capture outlives the open call
		cmd := exec.Command(ffmpegPath, args...)
		cmd.Stderr = &video.LogWriter{
			Logger: slog.Default().With("component", "ffmpeg", "uri", video.SanitizeURL(uri)),
			Level:  slog.LevelWarn,
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}

		return &ffmpegCapture{
			cmd:    cmd,
			stdout: stdout,
			reader: bufio.NewReaderSize(stdout, 1<<20),
			header: make([]byte, bmpHeaderSize),
		}, nil
	}
}

func (c *ffmpegCapture) ReadFrame() (image.Image, error) {
	return readBMP(c.reader, c.header)
}

func (c *ffmpegCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.stdout.Close()
		err = c.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// killed on purpose
			err = nil
		}
	})
	return err
}

// readBMP reads one BMP file from r; header is a reusable 14 byte buffer
func readBMP(r io.Reader, header []byte) (image.Image, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 'B' || header[1] != 'M' {
		return nil, fmt.Errorf("unexpected frame header %q", header[:2])
	}

	size := binary.LittleEndian.Uint32(header[2:6])
	if size <= bmpHeaderSize {
		return nil, fmt.Errorf("invalid bmp size %d", size)
	}

	buf := make([]byte, size)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[bmpHeaderSize:]); err != nil {
		return nil, err
	}

	img, err := bmp.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// NewFFprobeProber returns a Prober that asks ffprobe for the stream list
func NewFFprobeProber(ffprobePath string) Prober {
	return func(ctx context.Context, uri string) bool {
		args := []string{"-v", "quiet", "-print_format", "json", "-show_streams"}
		if strings.HasPrefix(strings.ToLower(uri), "rtsp") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, uri)

		output, err := exec.CommandContext(ctx, ffprobePath, args...).Output()
		if err != nil {
			return false
		}
		return hasVideoStream(output)
	}
}

func hasVideoStream(probeJSON []byte) bool {
	var info struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(probeJSON, &info); err != nil {
		return false
	}
	for _, s := range info.Streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			return true
		}
	}
	return false
}
