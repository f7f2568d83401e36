// Package mqttbridge publishes controller state to an MQTT broker with
// Home Assistant discovery, and accepts a few control commands.
package mqttbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// tokenTimeout bounds every publish and subscribe. The bridge runs beside
// the control loop and must not hang on a dead broker connection.
const tokenTimeout = 5 * time.Second

var ErrTimeout = errors.New("mqtt operation timed out")

// Broker is the slice of an MQTT client the bridge uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	TopicPrefix() string
	AvailabilityTopic() string
}

type pahoBroker struct {
	client mqtt.Client
	prefix string
}

// NewBroker wraps a paho client. All topics are rooted at prefix.
func NewBroker(client mqtt.Client, prefix string) Broker {
	return &pahoBroker{client: client, prefix: prefix}
}

// encodePayload passes strings and bytes through and JSON-encodes anything
// else.
func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

func (p *pahoBroker) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return wait(p.client.Publish(topic, qos, retained, body), "publish "+topic)
}

func (p *pahoBroker) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	return wait(p.client.Subscribe(topic, qos, handler), "subscribe "+topic)
}

func (p *pahoBroker) IsConnected() bool         { return p.client.IsConnected() }
func (p *pahoBroker) TopicPrefix() string       { return p.prefix }
func (p *pahoBroker) AvailabilityTopic() string { return AvailabilityTopic(p.prefix) }

func wait(t mqtt.Token, op string) error {
	if !t.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AvailabilityTopic carries "online"/"offline"; the broker publishes the
// latter as the will message.
func AvailabilityTopic(prefix string) string {
	return prefix + "/status"
}
