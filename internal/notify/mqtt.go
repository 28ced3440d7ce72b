// Package notify pushes intruder events to an MQTT broker
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/opensec/internal/core"
)

// Config holds MQTT connection settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

// MQTTNotifier publishes intruder events under <topic>/<camera_id>
type MQTTNotifier struct {
	client  mqtt.Client
	publish publishFunc
	topic   string
	qos     byte
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// Stats holds publish counters
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTNotifier connects to the broker. The client reconnects on its own
// after the first successful connect.
func NewMQTTNotifier(cfg Config) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	n := newNotifier(cfg, nil)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		n.setConnected(true)
		n.logger.Info("MQTT connection established", "broker", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		n.setConnected(false)
		n.logger.Warn("MQTT connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	n.client = client
	n.publish = func(topic string, qos byte, retained bool, payload []byte) error {
		t := client.Publish(topic, qos, retained, payload)
		if !t.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("mqtt publish timeout")
		}
		return t.Error()
	}
	return n, nil
}

func newNotifier(cfg Config, publish publishFunc) *MQTTNotifier {
	topic := strings.TrimRight(cfg.Topic, "/")
	if topic == "" {
		topic = "opensec/intruders"
	}
	return &MQTTNotifier{
		publish: publish,
		topic:   topic,
		qos:     cfg.QoS,
		logger:  slog.Default().With("component", "mqtt_notifier"),
	}
}

// Topic returns the topic an event for cameraID is published on
func (n *MQTTNotifier) Topic(cameraID string) string {
	return n.topic + "/" + cameraID
}

// Notify publishes one intruder event
func (n *MQTTNotifier) Notify(evt core.IntruderEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.publish(n.Topic(evt.CameraID), n.qos, false, payload); err != nil {
		n.mu.Lock()
		n.errors++
		n.mu.Unlock()
		return fmt.Errorf("failed to publish intruder: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
	return nil
}

// Attach forwards every intruder event on the bus to the broker
func (n *MQTTNotifier) Attach(bus *core.EventBus) error {
	_, err := bus.SubscribeIntruders(func(evt core.IntruderEvent) {
		if err := n.Notify(evt); err != nil {
			n.logger.Warn("Intruder notification failed", "camera", evt.CameraID, "error", err)
		}
	})
	return err
}

// Stats returns publish counters
func (n *MQTTNotifier) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Stats{Connected: n.connected, Published: n.published, Errors: n.errors}
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

// Close disconnects from the broker
func (n *MQTTNotifier) Close() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}
