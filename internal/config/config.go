// Package config provides configuration management for the camera core
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Version       string              `yaml:"version"`
	System        SystemConfig        `yaml:"system"`
	Storage       StorageConfig       `yaml:"storage"`
	Fleet         FleetConfig         `yaml:"fleet"`
	Detection     DetectionConfig     `yaml:"detection"`
	Recording     RecordingConfig     `yaml:"recording"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Events        EventsConfig        `yaml:"events"`
	Cameras       []CameraConfig      `yaml:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds process-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	BufferEntries int    `yaml:"buffer_entries"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// StorageConfig holds the media root and retention
type StorageConfig struct {
	Root                   string `yaml:"root"`
	RetentionDays          int    `yaml:"retention_days"`
	CleanupIntervalMinutes int    `yaml:"cleanup_interval_minutes"`
}

// FleetConfig holds ingestion and reconciliation settings shared by every source
type FleetConfig struct {
	FrameIntervalMS         int `yaml:"frame_interval_ms"`
	MaxReconnectAttempts    int `yaml:"max_reconnect_attempts"`
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds"`
	ProbeTimeoutSeconds     int `yaml:"probe_timeout_seconds"`
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
	SyncIntervalSeconds     int `yaml:"sync_interval_seconds"`
}

// DetectionConfig holds motion detection and hysteresis settings
type DetectionConfig struct {
	FrameWidth            int     `yaml:"frame_width"`
	FrameHeight           int     `yaml:"frame_height"`
	PollStride            int     `yaml:"poll_stride"`
	BackgroundStride      int     `yaml:"background_stride"`
	MinContourArea        int     `yaml:"min_contour_area"`
	MinConsecutiveFrames  int     `yaml:"min_consecutive_frames"`
	MaxFramesToRecord     int     `yaml:"max_frames_to_record"`
	ShutdownFlushFraction float64 `yaml:"shutdown_flush_fraction"`
}

// RecordingConfig holds clip recording settings
type RecordingConfig struct {
	MaxStoredFrames  int    `yaml:"max_stored_frames"`
	FPS              int    `yaml:"fps"`
	Encoder          string `yaml:"encoder,omitempty"` // hwaccel preference for clips, empty follows streaming
	RenameAttempts   int    `yaml:"rename_attempts"`
	RenameBackoffMS  int    `yaml:"rename_backoff_ms"`
	ThumbnailQuality int    `yaml:"thumbnail_quality"`
	// GIFStride keeps every Nth stored frame in the animated preview, -1 disables it
	GIFStride int     `yaml:"gif_stride"`
	GIFScale  float64 `yaml:"gif_scale"`
}

// ClassifierConfig holds the external classification service settings
type ClassifierConfig struct {
	URL            string  `yaml:"url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MinConfidence  float64 `yaml:"min_confidence"`
	SampleSize     int     `yaml:"sample_size"`
}

// StreamingConfig holds live feed transcoder settings
type StreamingConfig struct {
	FFmpegPath     string `yaml:"ffmpeg_path,omitempty"`
	Transcode      bool   `yaml:"transcode"`
	HWAccel        string `yaml:"hwaccel,omitempty"` // auto, none, cuda, vaapi, qsv, videotoolbox
	SegmentSeconds int    `yaml:"segment_seconds"`
	ListSize       int    `yaml:"list_size"`
}

// ArchiveConfig holds object storage settings for finished clips
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	QoS      byte   `yaml:"qos"`
}

// EventsConfig holds embedded event bus settings
type EventsConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir,omitempty"`
}

// CameraConfig holds configuration for a single camera
type CameraConfig struct {
	ID      string       `yaml:"id" json:"id"`
	Name    string       `yaml:"name" json:"name"`
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Stream  StreamConfig `yaml:"stream" json:"stream"`
}

// StreamConfig holds camera stream settings
type StreamConfig struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// SourceURI returns the stream URL with credentials applied. Paths and
// URLs that already carry credentials are returned unchanged.
func (c CameraConfig) SourceURI() string {
	if c.Stream.Username == "" {
		return c.Stream.URL
	}
	u, err := url.Parse(c.Stream.URL)
	if err != nil || u.Scheme == "" || u.User != nil {
		return c.Stream.URL
	}
	u.User = url.UserPassword(c.Stream.Username, c.Stream.Password)
	return u.String()
}

// FrameInterval returns the fleet frame interval
func (f FleetConfig) FrameInterval() time.Duration {
	return time.Duration(f.FrameIntervalMS) * time.Millisecond
}

// ReconnectBackoff returns the fixed delay between reconnect attempts
func (f FleetConfig) ReconnectBackoff() time.Duration {
	return time.Duration(f.ReconnectBackoffSeconds) * time.Second
}

// ProbeTimeout returns the liveness probe deadline
func (f FleetConfig) ProbeTimeout() time.Duration {
	return time.Duration(f.ProbeTimeoutSeconds) * time.Second
}

// SnapshotInterval returns the preview capture period
func (f FleetConfig) SnapshotInterval() time.Duration {
	return time.Duration(f.SnapshotIntervalSeconds) * time.Second
}

// SyncInterval returns the roster reconciliation period
func (f FleetConfig) SyncInterval() time.Duration {
	return time.Duration(f.SyncIntervalSeconds) * time.Second
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied and no cameras
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return fmt.Errorf("config path not set")
	}

	cfgCopy := &Config{
		Version:       c.Version,
		System:        c.System,
		Storage:       c.Storage,
		Fleet:         c.Fleet,
		Detection:     c.Detection,
		Recording:     c.Recording,
		Classifier:    c.Classifier,
		Streaming:     c.Streaming,
		Archive:       c.Archive,
		Notifications: c.Notifications,
		Events:        c.Events,
		Cameras:       append([]CameraConfig(nil), c.Cameras...),
		encKey:        c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# opensec configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes until stop is closed
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so atomic renames by editors are seen
	dir := filepath.Dir(c.GetPath())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		name := filepath.Clean(c.GetPath())
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Storage = newCfg.Storage
	c.Fleet = newCfg.Fleet
	c.Detection = newCfg.Detection
	c.Recording = newCfg.Recording
	c.Classifier = newCfg.Classifier
	c.Streaming = newCfg.Streaming
	c.Archive = newCfg.Archive
	c.Notifications = newCfg.Notifications
	c.Events = newCfg.Events
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "cameras", len(newCfg.Cameras))

	for _, fn := range watchers {
		fn(c)
	}
}

// CamerasSnapshot returns a copy of the camera list safe to use without the lock
func (c *Config) CamerasSnapshot() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CameraConfig(nil), c.Cameras...)
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// UpsertCamera adds or updates a camera
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera by ID
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera not found: %s", id)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// applyEnv overlays secrets and paths from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENSEC_DATA"); v != "" {
		c.System.DataPath = v
	}
	if v := os.Getenv("OPENSEC_CLASSIFIER_URL"); v != "" {
		c.Classifier.URL = v
	}
	if v := os.Getenv("OPENSEC_MINIO_ACCESS_KEY"); v != "" {
		c.Archive.AccessKey = v
	}
	if v := os.Getenv("OPENSEC_MINIO_SECRET_KEY"); v != "" {
		c.Archive.SecretKey = v
	}
	if v := os.Getenv("OPENSEC_MQTT_PASSWORD"); v != "" {
		c.Notifications.MQTT.Password = v
	}
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "opensec"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "opensec.db")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.BufferEntries == 0 {
		c.System.Logging.BufferEntries = 1000
	}
	if c.System.API.Listen == "" {
		c.System.API.Listen = ":8080"
	}

	if c.Storage.Root == "" {
		c.Storage.Root = filepath.Join(c.System.DataPath, "media")
	}
	if c.Storage.CleanupIntervalMinutes == 0 {
		c.Storage.CleanupIntervalMinutes = 60
	}

	if c.Fleet.FrameIntervalMS == 0 {
		c.Fleet.FrameIntervalMS = 50
	}
	if c.Fleet.MaxReconnectAttempts == 0 {
		c.Fleet.MaxReconnectAttempts = 3
	}
	if c.Fleet.ReconnectBackoffSeconds == 0 {
		c.Fleet.ReconnectBackoffSeconds = 5
	}
	if c.Fleet.ProbeTimeoutSeconds == 0 {
		c.Fleet.ProbeTimeoutSeconds = 5
	}
	if c.Fleet.SnapshotIntervalSeconds == 0 {
		c.Fleet.SnapshotIntervalSeconds = 10
	}
	if c.Fleet.SyncIntervalSeconds == 0 {
		c.Fleet.SyncIntervalSeconds = 30
	}

	if c.Detection.FrameWidth == 0 {
		c.Detection.FrameWidth = 448
	}
	if c.Detection.FrameHeight == 0 {
		c.Detection.FrameHeight = 252
	}
	if c.Detection.PollStride == 0 {
		c.Detection.PollStride = 2
	}
	if c.Detection.BackgroundStride == 0 {
		c.Detection.BackgroundStride = 2
	}
	if c.Detection.MinContourArea == 0 {
		c.Detection.MinContourArea = 2000
	}
	if c.Detection.MinConsecutiveFrames == 0 {
		c.Detection.MinConsecutiveFrames = 15
	}
	if c.Detection.MaxFramesToRecord == 0 {
		c.Detection.MaxFramesToRecord = 100
	}
	if c.Detection.ShutdownFlushFraction == 0 {
		c.Detection.ShutdownFlushFraction = 0.5
	}

	if c.Recording.MaxStoredFrames == 0 {
		c.Recording.MaxStoredFrames = 150
	}
	if c.Recording.FPS == 0 {
		c.Recording.FPS = 10
	}
	if c.Recording.RenameAttempts == 0 {
		c.Recording.RenameAttempts = 3
	}
	if c.Recording.RenameBackoffMS == 0 {
		c.Recording.RenameBackoffMS = 2000
	}
	if c.Recording.ThumbnailQuality == 0 {
		c.Recording.ThumbnailQuality = 85
	}
	if c.Recording.GIFStride == 0 {
		c.Recording.GIFStride = 4
	}
	if c.Recording.GIFScale == 0 {
		c.Recording.GIFScale = 0.4
	}
	// A session can never hold more frames than the recorder buffers
	if c.Detection.MaxFramesToRecord > c.Recording.MaxStoredFrames {
		c.Detection.MaxFramesToRecord = c.Recording.MaxStoredFrames
	}

	if c.Classifier.TimeoutSeconds == 0 {
		c.Classifier.TimeoutSeconds = 10
	}
	if c.Classifier.MinConfidence == 0 {
		c.Classifier.MinConfidence = 0.4
	}
	if c.Classifier.SampleSize == 0 {
		c.Classifier.SampleSize = 4
	}

	if c.Streaming.FFmpegPath == "" {
		c.Streaming.FFmpegPath = "ffmpeg"
	}
	if c.Streaming.HWAccel == "" {
		c.Streaming.HWAccel = "auto"
	}
	if c.Streaming.SegmentSeconds == 0 {
		c.Streaming.SegmentSeconds = 5
	}
	if c.Streaming.ListSize == 0 {
		c.Streaming.ListSize = 5
	}

	if c.Archive.Bucket == "" {
		c.Archive.Bucket = "opensec-clips"
	}
	if c.Notifications.MQTT.Topic == "" {
		c.Notifications.MQTT.Topic = "opensec/intruders"
	}
	if c.Notifications.MQTT.ClientID == "" {
		c.Notifications.MQTT.ClientID = "opensec"
	}
	if c.Events.Port == 0 {
		c.Events.Port = 4222
	}
}

// encryptSecrets encrypts camera stream passwords
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Stream.Password != "" && !strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Stream.Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Stream.Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts camera stream passwords
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Stream.Password, "encrypted:") {
			decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.Cameras[i].Stream.Password, "encrypted:"))
			if err != nil {
				return fmt.Errorf("camera %s: %w", c.Cameras[i].ID, err)
			}
			c.Cameras[i].Stream.Password = decrypted
		}
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or the built-in fallback
func getEncryptionKey() []byte {
	if keyStr := os.Getenv("OPENSEC_ENCRYPTION_KEY"); keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
		slog.Warn("Ignoring OPENSEC_ENCRYPTION_KEY: expected 32 base64-encoded bytes")
	}
	// AES-256 needs exactly 32 bytes
	return []byte("opensec-default-key-change-me!!!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// decrypt decrypts a string produced by encrypt
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
