package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/output"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string // e.g. tcp://localhost:1883
	TopicPrefix string // messages go to <prefix>/<band>
	Username    string
	Password    string
	QoS         byte
	Timeout     time.Duration // per-publish acknowledgement timeout
}

// mqttPublisher is the subset of mqtt.Client the sink uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes framed messages to an MQTT broker, one topic per band.
type MQTTSink struct {
	client mqttPublisher
	config MQTTConfig
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "pulsefeed_" + hex.EncodeToString(b)
}

// NewMQTTSink connects to the broker. The client reconnects automatically;
// publishes made while disconnected fail and their batches are lost.
func NewMQTTSink(config MQTTConfig) (*MQTTSink, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "pulsefeed"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Logf("MQTT: connected to %s", config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(config.Timeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return newMQTTSink(client, config), nil
}

func newMQTTSink(client mqttPublisher, config MQTTConfig) *MQTTSink {
	return &MQTTSink{client: client, config: config}
}

// Topic returns the topic used for a message.
func (s *MQTTSink) Topic(m *output.Message) string {
	return fmt.Sprintf("%s/%s", s.config.TopicPrefix, m.Band)
}

// Write publishes m and waits for the broker acknowledgement, the configured
// timeout or ctx, whichever comes first.
func (s *MQTTSink) Write(ctx context.Context, m *output.Message) error {
	framed, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(m), s.config.QoS, false, framed)

	timer := time.NewTimer(s.config.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mqtt publish: no acknowledgement after %v", s.config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
