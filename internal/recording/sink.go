package recording

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/image/draw"

	"github.com/Spatial-NVR/opensec/internal/video"
)

// Sink receives the frames of one clip
type Sink interface {
	WriteFrame(img image.Image) error
	Close() error
}

// SinkFactory opens a sink writing to path
type SinkFactory interface {
	Open(path string, size image.Point, fps int) (Sink, error)
}

// FFmpegSinkFactory encodes raw RGBA frames piped to ffmpeg's stdin
type FFmpegSinkFactory struct {
	FFmpegPath string
	Accel      video.HWAccelType
}

// Open starts an ffmpeg encoder for one clip
func (f *FFmpegSinkFactory) Open(path string, size image.Point, fps int) (Sink, error) {
	ffmpeg := f.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid frame size %v", size)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-an",
	}
	args = append(args, video.EncoderArgs(f.Accel)...)
	args = append(args, "-movflags", "+faststart", path)

	cmd := exec.Command(ffmpeg, args...)
	cmd.Stderr = &video.LogWriter{
		Logger: slog.Default().With("component", "clip_encoder", "path", path),
		Level:  slog.LevelWarn,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	return &ffmpegSink{
		cmd:   cmd,
		stdin: stdin,
		size:  size,
		buf:   image.NewRGBA(image.Rect(0, 0, size.X, size.Y)),
	}, nil
}

type ffmpegSink struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	size   image.Point
	buf    *image.RGBA
	closed bool
}

func (s *ffmpegSink) WriteFrame(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}

	if _, err := s.stdin.Write(rgbaPixels(img, s.size, s.buf)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close ends the stream and waits for the encoder to finish the file
func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder exited: %w", err)
	}
	return nil
}

// rgbaPixels returns tightly packed RGBA bytes of img at size, using buf as
// scratch when img needs converting or scaling
func rgbaPixels(img image.Image, size image.Point, buf *image.RGBA) []byte {
	if rgba, ok := img.(*image.RGBA); ok &&
		rgba.Rect.Min == (image.Point{}) &&
		rgba.Rect.Size() == size &&
		rgba.Stride == 4*size.X {
		return rgba.Pix[:4*size.X*size.Y]
	}

	if img.Bounds().Size() == size {
		draw.Draw(buf, buf.Rect, img, img.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(buf, buf.Rect, img, img.Bounds(), draw.Src, nil)
	}
	return buf.Pix
}
