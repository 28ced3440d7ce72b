// Package video holds the ffmpeg helpers shared by capture, clip encoding and
// live restreaming: hardware acceleration detection, encoder selection and
// process output plumbing.
package video

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HWAccelType represents a hardware acceleration type
type HWAccelType string

const (
	HWAccelNone         HWAccelType = ""
	HWAccelCUDA         HWAccelType = "cuda"         // NVIDIA GPU
	HWAccelVideoToolbox HWAccelType = "videotoolbox" // macOS
	HWAccelVAAPI        HWAccelType = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccelType = "qsv"          // Intel Quick Sync
)

const vaapiDevice = "/dev/dri/renderD128"

// HWAccelCapabilities describes available hardware acceleration
type HWAccelCapabilities struct {
	Available   []HWAccelType `json:"available"`
	Recommended HWAccelType   `json:"recommended"`
	GPUName     string        `json:"gpu_name,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// HWAccelDetector probes ffmpeg for usable encoders and caches the result
type HWAccelDetector struct {
	ffmpeg string

	mu           sync.RWMutex
	capabilities *HWAccelCapabilities
	logger       *slog.Logger
}

// NewHWAccelDetector creates a detector that runs the given ffmpeg binary
func NewHWAccelDetector(ffmpegPath string) *HWAccelDetector {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &HWAccelDetector{
		ffmpeg: ffmpegPath,
		logger: slog.Default().With("component", "hwaccel"),
	}
}

// Detect detects available hardware acceleration
func (d *HWAccelDetector) Detect(ctx context.Context) *HWAccelCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &HWAccelCapabilities{
		Available:  make([]HWAccelType, 0),
		DetectedAt: time.Now(),
	}

	if exec.CommandContext(ctx, d.ffmpeg, "-version").Run() != nil {
		d.logger.Warn("FFmpeg not found, hardware acceleration unavailable")
		d.capabilities = caps
		return caps
	}

	switch runtime.GOOS {
	case "darwin":
		if d.listsHWAccel(ctx, "videotoolbox") {
			caps.Available = append(caps.Available, HWAccelVideoToolbox)
		}
	case "linux":
		if name := nvidiaGPUName(); name != "" && d.testEncoder(ctx, HWAccelCUDA) {
			caps.Available = append(caps.Available, HWAccelCUDA)
			caps.GPUName = name
		}
		if _, err := os.Stat(vaapiDevice); err == nil {
			if d.testEncoder(ctx, HWAccelVAAPI) {
				caps.Available = append(caps.Available, HWAccelVAAPI)
			}
			if d.testEncoder(ctx, HWAccelQSV) {
				caps.Available = append(caps.Available, HWAccelQSV)
			}
		}
	}

	caps.Recommended = selectRecommended(caps.Available)
	d.capabilities = caps
	d.logger.Info("Hardware acceleration detection complete",
		"available", caps.Available,
		"recommended", caps.Recommended,
		"gpu", caps.GPUName,
	)
	return caps
}

// Resolve maps a configured preference to a concrete acceleration type.
// "auto" runs detection once; "none" or "" disables acceleration.
func (d *HWAccelDetector) Resolve(ctx context.Context, preference string) HWAccelType {
	switch strings.ToLower(preference) {
	case "", "none", "off":
		return HWAccelNone
	case "auto":
		d.mu.RLock()
		caps := d.capabilities
		d.mu.RUnlock()
		if caps == nil {
			caps = d.Detect(ctx)
		}
		return caps.Recommended
	default:
		return HWAccelType(strings.ToLower(preference))
	}
}

// H264Encoder returns the ffmpeg encoder name for the acceleration type
func H264Encoder(accel HWAccelType) string {
	switch accel {
	case HWAccelCUDA:
		return "h264_nvenc"
	case HWAccelVideoToolbox:
		return "h264_videotoolbox"
	case HWAccelVAAPI:
		return "h264_vaapi"
	case HWAccelQSV:
		return "h264_qsv"
	default:
		return "libx264"
	}
}

// EncoderArgs returns the ffmpeg output arguments for H.264 encoding. VA-API
// needs frames uploaded to the device before the encoder sees them.
func EncoderArgs(accel HWAccelType) []string {
	switch accel {
	case HWAccelVAAPI:
		return []string{"-vaapi_device", vaapiDevice, "-vf", "format=nv12,hwupload", "-c:v", "h264_vaapi"}
	case HWAccelNone:
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p"}
	default:
		return []string{"-c:v", H264Encoder(accel), "-pix_fmt", "yuv420p"}
	}
}

// selectRecommended selects the best available acceleration
func selectRecommended(available []HWAccelType) HWAccelType {
	priority := []HWAccelType{
		HWAccelCUDA,
		HWAccelVideoToolbox,
		HWAccelQSV,
		HWAccelVAAPI,
	}

	for _, accel := range priority {
		for _, avail := range available {
			if accel == avail {
				return accel
			}
		}
	}
	return HWAccelNone
}

func (d *HWAccelDetector) listsHWAccel(ctx context.Context, name string) bool {
	output, err := exec.CommandContext(ctx, d.ffmpeg, "-hide_banner", "-hwaccels").CombinedOutput()
	if err != nil {
		d.logger.Debug("Failed to list hwaccels", "error", err)
		return false
	}
	return strings.Contains(string(output), name)
}

// testEncoder encodes one synthetic second to the null muxer
func (d *HWAccelDetector) testEncoder(ctx context.Context, accel HWAccelType) bool {
	args := []string{"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1"}
	args = append(args, EncoderArgs(accel)...)
	args = append(args, "-f", "null", "-")

	if err := exec.CommandContext(ctx, d.ffmpeg, args...).Run(); err != nil {
		d.logger.Debug("Encoder test failed", "accel", accel, "error", err)
		return false
	}
	return true
}

func nvidiaGPUName() string {
	output, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
