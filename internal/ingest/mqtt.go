package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

// RawPublisher is the bus surface the bridge needs.
type RawPublisher interface {
	PublishRaw(ctx context.Context, subject string, data []byte) error
}

// bridgeTopicKinds are the device topic suffixes the bridge listens on.
// command_result replies travel a command channel, not the telemetry tree.
var bridgeTopicKinds = []string{"telemetry", "heartbeat", "shadow"}

// Bridge moves raw device envelopes from the MQTT broker onto the durable
// INGEST stream. It performs no validation: the bus consumer owns the
// validation chain so HTTP and MQTT envelopes are judged identically.
type Bridge struct {
	client mqtt.Client
	pub    RawPublisher
	cfg    config.MQTTConfig
}

// NewBridge builds the broker-to-bus bridge.
func NewBridge(cfg config.MQTTConfig, pub RawPublisher) *Bridge {
	return &Bridge{cfg: cfg, pub: pub}
}

// Start connects to the broker and subscribes the telemetry topic tree.
func (b *Bridge) Start(ctx context.Context) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "mqtt_bridge",
		"broker":    b.cfg.BrokerURL,
		"client_id": b.cfg.ClientID,
	})

	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WithError(err).Warn("Broker connection lost")
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			// Subscriptions are re-issued on every (re)connect; the broker
			// may not persist session state.
			if err := b.subscribe(client); err != nil {
				logger.WithError(err).Error("Failed to subscribe telemetry topics")
			}
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timed out after 10s")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	logger.Info("MQTT bridge connected")
	return nil
}

func (b *Bridge) subscribe(client mqtt.Client) error {
	for _, kind := range bridgeTopicKinds {
		filter := fmt.Sprintf("telemetry/+/+/%s", kind)
		token := client.Subscribe(filter, b.cfg.QoS, b.handleMessage)
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("subscribe %s timed out", filter)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
	}
	return nil
}

// handleMessage republishes one raw envelope onto ingest.<tenant>.<device>.
func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	tenantID, deviceID, ok := splitDeviceTopic(msg.Topic())
	if !ok {
		logging.L().WithComponent("mqtt_bridge").
			WithField("topic", msg.Topic()).
			Warn("Dropping message on unparseable topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.pub.PublishRaw(ctx, bus.IngestSubject(tenantID, deviceID), msg.Payload()); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": "bridge_publish",
			"tenant_id": tenantID,
			"device_id": deviceID,
			"topic":     msg.Topic(),
		}).Error("Failed to forward envelope to bus")
	}
}

// splitDeviceTopic parses telemetry/<tenant>/<device>/<kind>.
func splitDeviceTopic(topic string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "telemetry" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Stop disconnects from the broker, allowing in-flight handlers to finish.
func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}
