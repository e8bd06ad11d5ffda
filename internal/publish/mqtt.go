package publish

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rtm-vts/vts-collisions/internal/monitoring"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // ms, lets in-flight acks drain before close
)

// MQTTTransport publishes collision messages at QoS 1 and blocks for the
// broker's PUBACK up to ackTimeout.
type MQTTTransport struct {
	broker     string
	username   string
	password   string
	ackTimeout time.Duration
	client     mqtt.Client
}

// NewMQTTTransport validates the endpoint configuration and returns an
// unconnected transport. An empty host is a configuration error: there is no
// usable default broker.
func NewMQTTTransport(host string, port int, username, password string, ackTimeout time.Duration) (*MQTTTransport, error) {
	if host == "" {
		return nil, fmt.Errorf("broker host is not configured (set %s or broker_host)", "MQTT_BROKER_HOST")
	}
	if ackTimeout <= 0 {
		return nil, fmt.Errorf("ack timeout must be positive, got %v", ackTimeout)
	}
	return &MQTTTransport{
		broker:     fmt.Sprintf("tcp://%s:%d", host, port),
		username:   username,
		password:   password,
		ackTimeout: ackTimeout,
	}, nil
}

// Connect establishes the broker session. The client id carries a random
// suffix so an overlapping stale session never steals the connection.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID("vts-collisions-" + uuid.NewString()[:8]).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if t.username != "" {
		opts.SetUsername(t.username)
		opts.SetPassword(t.password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	wait := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wait {
			wait = until
		}
	}
	if !token.WaitTimeout(wait) {
		client.Disconnect(0)
		return fmt.Errorf("timed out connecting to %s", t.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.broker, err)
	}

	t.client = client
	monitoring.Logf("publish: connected to broker %s", t.broker)
	return nil
}

// Publish sends the payload at QoS 1 and waits for the broker's
// acknowledgment. ErrConfirmTimeout means no ack arrived in time; the
// message may or may not have been delivered.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	if t.client == nil {
		return fmt.Errorf("transport is not connected")
	}
	token := t.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(t.ackTimeout) {
		return ErrConfirmTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// Close drains in-flight traffic briefly and disconnects. Safe to call on a
// transport that never connected.
func (t *MQTTTransport) Close() {
	if t.client == nil {
		return
	}
	t.client.Disconnect(disconnectQuiesce)
	t.client = nil
}
