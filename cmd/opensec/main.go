// Package main wires the camera fleet: sources, motion detection, clip
// recording, classification, live restreaming and the HTTP API.
package main

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/opensec/internal/api"
	"github.com/Spatial-NVR/opensec/internal/archive"
	"github.com/Spatial-NVR/opensec/internal/camera"
	"github.com/Spatial-NVR/opensec/internal/config"
	"github.com/Spatial-NVR/opensec/internal/core"
	"github.com/Spatial-NVR/opensec/internal/database"
	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/events"
	"github.com/Spatial-NVR/opensec/internal/intrusion"
	"github.com/Spatial-NVR/opensec/internal/logging"
	"github.com/Spatial-NVR/opensec/internal/motion"
	"github.com/Spatial-NVR/opensec/internal/notify"
	"github.com/Spatial-NVR/opensec/internal/recording"
	"github.com/Spatial-NVR/opensec/internal/source"
	"github.com/Spatial-NVR/opensec/internal/storage"
	"github.com/Spatial-NVR/opensec/internal/streaming"
	"github.com/Spatial-NVR/opensec/internal/video"
)

const defaultDataPath = "/data"

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	logs := logging.NewRingBuffer(1000)
	logger := slog.New(logging.NewStreamHandler(logs, os.Stdout, level))
	slog.SetDefault(logger)

	dataPath := getEnv("OPENSEC_DATA", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Config file not found, using defaults", "config_path", configPath)
		cfg = config.Default()
		cfg.SetPath(configPath)
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err == nil {
			if err := cfg.Save(); err != nil {
				slog.Warn("Failed to write default config", "error", err)
			}
		}
	} else if err != nil {
		slog.Error("Failed to load config", "config_path", configPath, "error", err)
		os.Exit(1)
	}
	level.Set(logging.ParseLevel(cfg.System.Logging.Level))

	slog.Info("Starting opensec",
		"name", cfg.System.Name,
		"config_path", configPath,
		"data_path", cfg.System.DataPath,
		"cameras", len(cfg.Cameras),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.Layout{Root: cfg.Storage.Root}
	for _, dir := range []string{cfg.System.DataPath, layout.Root, layout.Snapshots()} {
		if err := storage.EnsureDir(dir); err != nil {
			slog.Error("Failed to prepare directories", "error", err)
			os.Exit(1)
		}
	}

	// Database
	dbCfg := database.DefaultConfig(cfg.System.DataPath)
	dbCfg.Path = cfg.System.Database.Path
	db, err := database.Open(dbCfg)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Embedded NATS event bus
	busCfg := core.DefaultEventBusConfig()
	busCfg.Port = cfg.Events.Port
	busCfg.StoreDir = cfg.Events.DataDir
	bus, err := core.NewEventBus(busCfg, logger)
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	intruders := events.NewService(db)
	roster := camera.NewSQLRepository(db)

	// Encoders
	hw := video.NewHWAccelDetector(cfg.Streaming.FFmpegPath)
	streamAccel := hw.Resolve(ctx, cfg.Streaming.HWAccel)
	clipAccel := streamAccel
	if cfg.Recording.Encoder != "" {
		clipAccel = hw.Resolve(ctx, cfg.Recording.Encoder)
	}
	slog.Info("Encoders selected", "stream", streamAccel, "clips", clipAccel)

	// Classification
	var classifier recording.Classifier
	var classifierClient *detection.Client
	if cfg.Classifier.URL != "" {
		classifierClient, err = detection.NewClient(detection.ClientConfig{
			URL:     cfg.Classifier.URL,
			Timeout: time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			slog.Error("Failed to create classifier client", "error", err)
			os.Exit(1)
		}
		classifier = detection.NewClassifier(classifierClient, detection.ClassifierConfig{
			SampleSize:    cfg.Classifier.SampleSize,
			MinConfidence: cfg.Classifier.MinConfidence,
		})
	} else {
		slog.Warn("No classifier configured, clips will not be classified")
	}

	recorder := recording.NewClipRecorder(recording.Config{
		MaxStoredFrames:  cfg.Recording.MaxStoredFrames,
		FPS:              cfg.Recording.FPS,
		RenameAttempts:   cfg.Recording.RenameAttempts,
		RenameBackoff:    time.Duration(cfg.Recording.RenameBackoffMS) * time.Millisecond,
		ThumbnailQuality: cfg.Recording.ThumbnailQuality,
		GIFStride:        cfg.Recording.GIFStride,
		GIFScale:         cfg.Recording.GIFScale,
	}, layout, &recording.FFmpegSinkFactory{
		FFmpegPath: cfg.Streaming.FFmpegPath,
		Accel:      clipAccel,
	}, classifier)

	// Detection loop
	orchestrator := intrusion.NewOrchestrator(intrusion.Config{
		MinConsecutiveFrames:  cfg.Detection.MinConsecutiveFrames,
		MaxFramesToRecord:     cfg.Detection.MaxFramesToRecord,
		ShutdownFlushFraction: cfg.Detection.ShutdownFlushFraction,
		FrameSize:             image.Pt(cfg.Detection.FrameWidth, cfg.Detection.FrameHeight),
		TickInterval:          cfg.Fleet.FrameInterval() * time.Duration(cfg.Detection.PollStride),
	}, recorder, intruders, bus)

	// Fleet
	feedOpts := source.DefaultOptions()
	feedOpts.FrameInterval = cfg.Fleet.FrameInterval()
	feedOpts.MaxReconnectAttempts = cfg.Fleet.MaxReconnectAttempts
	feedOpts.ReconnectBackoff = cfg.Fleet.ReconnectBackoff()
	feedOpts.ProbeTimeout = cfg.Fleet.ProbeTimeout()
	feedOpts.Opener = source.NewFFmpegOpener(cfg.Streaming.FFmpegPath, int(time.Second/cfg.Fleet.FrameInterval()))

	motionCfg := motion.DefaultConfig()
	motionCfg.MinArea = cfg.Detection.MinContourArea
	motionCfg.BackgroundStride = cfg.Detection.BackgroundStride

	streamOpts := streaming.DefaultOptions()
	streamOpts.FFmpegPath = cfg.Streaming.FFmpegPath
	streamOpts.Transcode = cfg.Streaming.Transcode
	streamOpts.Accel = streamAccel
	streamOpts.SegmentSeconds = cfg.Streaming.SegmentSeconds
	streamOpts.ListSize = cfg.Streaming.ListSize

	coordinator := camera.NewCoordinator(camera.Config{
		Layout:           layout,
		SnapshotInterval: cfg.Fleet.SnapshotInterval(),
		SyncInterval:     cfg.Fleet.SyncInterval(),
	}, roster, orchestrator, camera.Factories{
		NewFeed: func(d camera.Descriptor) (source.Feed, error) {
			return source.NewFeed(d.ID, d.SourceURI, feedOpts)
		},
		NewDetector: func(feed source.Feed) *motion.Detector {
			return motion.NewDetector(feed, motionCfg, nil)
		},
		NewPublisher: func(d camera.Descriptor) camera.StreamPublisher {
			return streaming.NewPublisher(d.ID, d.SourceURI, layout.Stream(d.ID), streamOpts)
		},
	}, bus)

	if err := roster.SyncFromConfig(ctx, cfg.CamerasSnapshot()); err != nil {
		slog.Error("Failed to seed camera roster", "error", err)
	}

	// Fan-out: websocket, MQTT, object storage
	hub := api.NewHub()
	go hub.Run(ctx)
	if err := hub.Attach(bus); err != nil {
		slog.Error("Failed to attach websocket hub", "error", err)
	}

	extras := map[string]func() interface{}{
		"database": func() interface{} {
			s, err := db.Stats(ctx)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return s
		},
		"event_bus": func() interface{} { return bus.Stats() },
	}

	if cfg.Notifications.MQTT.Enabled {
		m := cfg.Notifications.MQTT
		notifier, err := notify.NewMQTTNotifier(notify.Config{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			Topic:    m.Topic,
			QoS:      m.QoS,
		})
		if err != nil {
			slog.Error("Failed to connect MQTT notifier", "error", err)
		} else {
			defer notifier.Close()
			if err := notifier.Attach(bus); err != nil {
				slog.Error("Failed to attach MQTT notifier", "error", err)
			}
			extras["mqtt"] = func() interface{} { return notifier.Stats() }
		}
	}

	if cfg.Archive.Enabled {
		a := cfg.Archive
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:  a.Endpoint,
			Region:    a.Region,
			Bucket:    a.Bucket,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL,
		}, intruders)
		if err != nil {
			slog.Error("Failed to connect clip archive", "error", err)
		} else {
			archiver.Start(ctx)
			defer archiver.Stop()
			if err := archiver.Attach(bus); err != nil {
				slog.Error("Failed to attach clip archive", "error", err)
			}
			extras["archive"] = func() interface{} { return archiver.Stats() }
		}
	}

	health := map[string]api.HealthChecker{
		"database":  db,
		"event_bus": api.HealthFunc(bus.HealthCheck),
	}
	if classifierClient != nil {
		extras["classifier"] = func() interface{} { return classifierClient.Stats() }
		health["classifier"] = api.HealthFunc(classifierClient.Health)
	}

	retention := recording.NewRetentionPolicy(layout, cfg.Storage.RetentionDays, intruders)
	if err := retention.Start(ctx, time.Duration(cfg.Storage.CleanupIntervalMinutes)*time.Minute); err != nil {
		slog.Error("Failed to start retention policy", "error", err)
	}

	// Roster changes from config edits or other publishers
	if _, err := bus.Subscribe(core.SubjectCamerasChanged, func(*nats.Msg) {
		coordinator.Trigger()
	}); err != nil {
		slog.Error("Failed to subscribe to camera changes", "error", err)
	}

	cfg.OnChange(func(c *config.Config) {
		level.Set(logging.ParseLevel(c.System.Logging.Level))
		if err := roster.SyncFromConfig(ctx, c.CamerasSnapshot()); err != nil {
			slog.Error("Failed to sync camera roster", "error", err)
			return
		}
		if err := bus.PublishCamerasChanged("config"); err != nil {
			coordinator.Trigger()
		}
	})
	stopWatch := make(chan struct{})
	if err := cfg.Watch(stopWatch); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}
	defer close(stopWatch)

	go coordinator.Run(ctx)
	go orchestrator.Run(ctx)

	// HTTP API
	server := api.NewServer(api.ServerConfig{
		Listen:      cfg.System.API.Listen,
		CORSOrigins: cfg.System.API.CORSOrigins,
	}, api.Deps{
		Fleet:     coordinator,
		Detection: orchestrator,
		Recorder:  recorder,
		Intruders: intruders,
		Logs:      logs,
		Hub:       hub,
		Layout:    layout,
		Health:    health,
		Extras:    extras,
	})

	go func() {
		if err := server.ListenAndServe(); err != nil {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	_ = bus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "signal"})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	// Long enough sessions are finalized before their feeds go away
	orchestrator.StopAll(shutdownCtx)
	coordinator.Stop(shutdownCtx)
	retention.Stop()
	cancel()

	slog.Info("Stopped")
}

// findConfigFile checks OPENSEC_CONFIG, then the data dir and common locations
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("OPENSEC_CONFIG"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
