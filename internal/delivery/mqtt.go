package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

const mqttOpTimeout = 10 * time.Second

// MQTTSender publishes alert events to a channel-configured broker. Channel
// config keys: broker and topic (required), qos (0..2, default 0), retain
// (default false), username, password.
//
// Each send dials its own connection. Channels point at customer brokers,
// so there is no shared connection worth pooling, and a stuck broker then
// costs one attempt instead of wedging a cached client.
type MQTTSender struct{}

// NewMQTTSender returns a broker-per-channel publisher.
func NewMQTTSender() *MQTTSender {
	return &MQTTSender{}
}

// Send implements Sender. Token waits bound each phase; the paho client
// predates context plumbing, so ctx cancellation is not observed mid-dial.
func (s *MQTTSender) Send(_ context.Context, channel *models.NotificationChannel, payload *models.JobPayload) (string, error) {
	broker := channel.Config.String("broker")
	if broker == "" {
		return "config_invalid", apperrors.NewDeliveryError("mqtt", false, errors.New("channel config has no broker"))
	}
	topic := channel.Config.String("topic")
	if topic == "" {
		return "config_invalid", apperrors.NewDeliveryError("mqtt", false, errors.New("channel config has no topic"))
	}
	qos := channel.Config.Int("qos", 0)
	if qos < 0 || qos > 2 {
		return "config_invalid", apperrors.NewDeliveryError("mqtt", false, fmt.Errorf("invalid qos %d", qos))
	}
	retain := false
	if r, ok := channel.Config["retain"].(bool); ok {
		retain = r
	}

	body, err := json.Marshal(payload.Event)
	if err != nil {
		return "encode_failed", apperrors.NewDeliveryError("mqtt", false, err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("pulse-delivery-" + uuid.NewString()[:8]).
		SetConnectTimeout(mqttOpTimeout).
		SetAutoReconnect(false)
	if username := channel.Config.String("username"); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(channel.Config.String("password"))
	}

	client := mqtt.NewClient(opts)
	defer client.Disconnect(250)

	if tok := client.Connect(); !tok.WaitTimeout(mqttOpTimeout) {
		return "connect_timeout", apperrors.NewDeliveryError("mqtt", true, errors.New("broker connect timed out"))
	} else if tok.Error() != nil {
		return "connect_error", apperrors.NewDeliveryError("mqtt", true, tok.Error())
	}

	if tok := client.Publish(topic, byte(qos), retain, body); !tok.WaitTimeout(mqttOpTimeout) {
		return "publish_timeout", apperrors.NewDeliveryError("mqtt", true, errors.New("publish timed out"))
	} else if tok.Error() != nil {
		return "publish_error", apperrors.NewDeliveryError("mqtt", true, tok.Error())
	}
	return "published", nil
}
