package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNoImage is returned when Detect is called without an image
var ErrNoImage = errors.New("no image to classify")

// Client is an HTTP client for the classification service
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	quality    int
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	URL         string
	Timeout     time.Duration
	JPEGQuality int
}

// ClientStats holds request counters
type ClientStats struct {
	Requests       int64         `json:"requests"`
	Errors         int64         `json:"errors"`
	AverageLatency time.Duration `json:"average_latency"`
}

// NewClient creates a new classification service client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("classifier URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: baseURL,
		quality: cfg.JPEGQuality,
		logger:  slog.Default().With("component", "detection_client"),
	}, nil
}

// Detect sends one image for classification and returns the raw labels
func (c *Client) Detect(ctx context.Context, img image.Image) ([]Label, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	labels, err := c.detect(ctx, img)
	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		return nil, err
	}
	return labels, nil
}

func (c *Client) detect(ctx context.Context, img image.Image) ([]Label, error) {
	if img == nil {
		return nil, ErrNoImage
	}

	data, err := EncodeJPEG(img, c.quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"image_data": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classification service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Success    *bool   `json:"success"`
		Error      string  `json:"error"`
		Detections []Label `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" || (result.Success != nil && !*result.Success) {
		return nil, fmt.Errorf("classification failed: %s", result.Error)
	}

	return result.Detections, nil
}

// Health checks the classification service health endpoint
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classification service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ClientStats{
		Requests: c.requestCount,
		Errors:   c.errorCount,
	}
	if ok := c.requestCount - c.errorCount; ok > 0 {
		stats.AverageLatency = c.totalLatency / time.Duration(ok)
	}
	return stats
}

// EncodeJPEG encodes an image as JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
