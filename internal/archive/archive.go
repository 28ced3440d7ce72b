// Package archive copies finished intruder clips and thumbnails to S3
// compatible object storage.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Spatial-NVR/opensec/internal/core"
)

// Config holds object storage settings
type Config struct {
	Endpoint   string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
}

// objectPutter is the part of the MinIO client used for uploads
type objectPutter interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// KeyRecorder stores the archive key of an intruder
type KeyRecorder interface {
	SetArchiveKey(ctx context.Context, id, key string) error
}

// Archiver uploads clips from a queue on a single worker
type Archiver struct {
	client  objectPutter
	bucket  string
	cfg     Config
	keys    KeyRecorder
	logger  *slog.Logger
	queue   chan core.IntruderEvent
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	uploaded uint64
	failed   uint64
}

// Stats holds upload counters
type Stats struct {
	Uploaded uint64 `json:"uploaded"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

// New connects to object storage and ensures the bucket exists
func New(ctx context.Context, cfg Config, keys KeyRecorder) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return newArchiver(client, cfg, keys), nil
}

func newArchiver(client objectPutter, cfg Config, keys KeyRecorder) *Archiver {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		cfg:     cfg,
		keys:    keys,
		logger:  slog.Default().With("component", "archive", "bucket", cfg.Bucket),
		queue:   make(chan core.IntruderEvent, cfg.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Start runs the upload worker until ctx is done or Stop is called
func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopped:
				return
			case evt := <-a.queue:
				if _, err := a.Upload(ctx, evt); err != nil {
					a.logger.Error("Clip archive failed", "intruder", evt.ID, "error", err)
				}
			}
		}
	}()
}

// Enqueue schedules an upload. Events are dropped when the queue is full.
func (a *Archiver) Enqueue(evt core.IntruderEvent) bool {
	select {
	case a.queue <- evt:
		return true
	default:
		a.logger.Warn("Archive queue full, dropping clip", "intruder", evt.ID)
		return false
	}
}

// Attach enqueues every intruder event published on the bus
func (a *Archiver) Attach(bus *core.EventBus) error {
	_, err := bus.SubscribeIntruders(func(evt core.IntruderEvent) {
		a.Enqueue(evt)
	})
	return err
}

// Upload stores the clip and thumbnail of one intruder and returns the
// clip's object key
func (a *Archiver) Upload(ctx context.Context, evt core.IntruderEvent) (string, error) {
	var key string
	for _, f := range []struct {
		path        string
		contentType string
	}{
		{evt.VideoPath, "video/mp4"},
		{evt.ThumbnailPath, "image/jpeg"},
		{evt.GifPath, "image/gif"},
	} {
		if f.path == "" {
			continue
		}
		k := ObjectKey(evt.CameraID, f.path)
		if err := a.put(ctx, k, f.path, f.contentType); err != nil {
			a.mu.Lock()
			a.failed++
			a.mu.Unlock()
			return "", err
		}
		if key == "" {
			key = k
		}
	}

	if key == "" {
		return "", nil
	}

	a.mu.Lock()
	a.uploaded++
	a.mu.Unlock()

	if a.keys != nil && evt.ID != "" {
		if err := a.keys.SetArchiveKey(ctx, evt.ID, key); err != nil {
			a.logger.Warn("Failed to record archive key", "intruder", evt.ID, "error", err)
		}
	}
	a.logger.Info("Clip archived", "intruder", evt.ID, "key", key)
	return key, nil
}

func (a *Archiver) put(ctx context.Context, key, file, contentType string) error {
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}

	op := func() error {
		_, err := a.client.FPutObject(ctx, a.bucket, key, file, minio.PutObjectOptions{ContentType: contentType})
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.RetryDelay), uint64(a.cfg.MaxRetries-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		a.logger.Debug("Upload failed, retrying", "key", key, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Stats returns upload counters
func (a *Archiver) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{Uploaded: a.uploaded, Failed: a.failed, Queued: len(a.queue)}
}

// Stop halts the worker and waits for an in-flight upload
func (a *Archiver) Stop() {
	a.once.Do(func() { close(a.stopped) })
	a.wg.Wait()
}

// ObjectKey returns the object name for a local file of a camera
func ObjectKey(cameraID, file string) string {
	return path.Join(cameraID, filepath.Base(file))
}
