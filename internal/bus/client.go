// Package bus is the thin publish/subscribe adapter shared by the arbiter
// and the sensors. Delivery is at-most-once; the protocol above tolerates
// loss through phase deadlines, so nothing here blocks forever.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler receives a single message for a subscribed topic.
type Handler func(topic string, payload []byte)

// Conn is the subset of the MQTT client the rest of the system depends on.
// Tests use the in-memory implementation in bustest.
type Conn interface {
	// Publish marshals payload to JSON and publishes it. Raw []byte payloads
	// are sent as-is, which is how the reset utility clears retained state.
	Publish(topic string, retained bool, payload any) error
	Subscribe(topic string, h Handler) error
	Close()
}

const qosAtLeastOnce = 1

// Client wraps a paho MQTT connection.
type Client struct {
	mc       mqtt.Client
	attempts int
	log      *zap.Logger
}

// Connect dials the broker. The client id is suffixed with a UUID so a
// restarted process never collides with its previous session.
func Connect(brokerURL, name string, attempts int, log *zap.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(name + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	mc := mqtt.NewClient(opts)
	tok := mc.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timed out", brokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", brokerURL, err)
	}
	log.Info("connected to broker", zap.String("broker", brokerURL), zap.String("client", name))
	return &Client{mc: mc, attempts: attempts, log: log}, nil
}

// Publish sends one message, retrying with bounded backoff. A publish that
// still fails after the configured attempts is reported to the caller, who
// treats it as a missed message rather than a fatal condition.
func (c *Client) Publish(topic string, retained bool, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}

	err = retry.Do(func() error {
		tok := c.mc.Publish(topic, qosAtLeastOnce, retained, body)
		if !tok.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish to %s: timed out", topic)
		}
		return tok.Error()
	},
		retry.Attempts(uint(c.attempts)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("publish retry", zap.String("topic", topic), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic (wildcards allowed).
func (c *Client) Subscribe(topic string, h Handler) error {
	tok := c.mc.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe to %s: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects after letting in-flight messages drain.
func (c *Client) Close() {
	c.mc.Disconnect(250)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
