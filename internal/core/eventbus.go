// Package core provides the embedded NATS event bus that carries camera and
// intruder events between the detection pipeline, notifiers and the API.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EventBus is an in-process NATS server plus one client connection. Handlers
// run on the NATS delivery goroutine of their subscription.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	Host string
	// Port is tried first; a free port from the fallback range is used when
	// it is taken
	Port int
	// StoreDir enables JetStream persistence when set
	StoreDir string
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host: "127.0.0.1",
		Port: DefaultNATSPort,
	}
}

// BusStats holds client traffic counters
type BusStats struct {
	URL           string `json:"url"`
	Connected     bool   `json:"connected"`
	InMsgs        uint64 `json:"in_msgs"`
	OutMsgs       uint64 `json:"out_msgs"`
	Subscriptions int    `json:"subscriptions"`
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}

	port, err := resolvePort(cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate NATS port: %w", err)
	}
	if port != cfg.Port {
		logger.Info("NATS port in use, using alternative", "preferred", cfg.Port, "actual", port)
	}

	opts := &server.Options{
		ServerName: "opensec",
		Host:       cfg.Host,
		Port:       port,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("opensec"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}
	eb.logger.Info("Event bus started", "url", ns.ClientURL(), "jetstream", opts.JetStream)
	return eb, nil
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish marshals data as JSON and publishes it on subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe registers a raw handler for subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()
	return sub, nil
}

// subscribeJSON decodes every message on subject into T. Undecodable
// messages are logged and dropped.
func subscribeJSON[T any](eb *EventBus, subject string, handler func(T)) (*nats.Subscription, error) {
	return eb.Subscribe(subject, func(msg *nats.Msg) {
		var evt T
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			eb.logger.Warn("Dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		handler(evt)
	})
}

// SubscribeIntruders delivers decoded intruder events to handler
func (eb *EventBus) SubscribeIntruders(handler func(IntruderEvent)) (*nats.Subscription, error) {
	return subscribeJSON(eb, SubjectIntruderDetected, handler)
}

// SubscribeCameraStatus delivers decoded camera activity changes to handler
func (eb *EventBus) SubscribeCameraStatus(handler func(CameraStatusEvent)) (*nats.Subscription, error) {
	return subscribeJSON(eb, SubjectCameraStatus, handler)
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Flush waits until published messages reached the server
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stats returns client traffic counters
func (eb *EventBus) Stats() BusStats {
	st := eb.conn.Stats()

	eb.subsMu.RLock()
	n := 0
	for _, subs := range eb.subs {
		n += len(subs)
	}
	eb.subsMu.RUnlock()

	return BusStats{
		URL:           eb.server.ClientURL(),
		Connected:     eb.conn.IsConnected(),
		InMsgs:        st.InMsgs,
		OutMsgs:       st.OutMsgs,
		Subscriptions: n,
	}
}

// Stop drains pending deliveries and shuts the server down
func (eb *EventBus) Stop() {
	if err := eb.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		eb.logger.Warn("Failed to drain event bus", "error", err)
	}
	eb.server.Shutdown()
	eb.server.WaitForShutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck round-trips a PING to the embedded server
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return errors.New("NATS connection not active")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	return eb.conn.FlushWithContext(ctx)
}
