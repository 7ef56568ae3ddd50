package supervisor

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const (
	keepAlive           = 60 * time.Second
	disconnectQuiesceMs = 250
)

// MessageHandler is called for every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// A Broker is a connected publish/subscribe client.
type Broker interface {
	Subscribe(topic string, handler MessageHandler) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// MQTTBroker is a Broker backed by an MQTT client.
type MQTTBroker struct {
	client  mqtt.Client
	timeout time.Duration
	logger  golog.Logger
}

// NewMQTTBroker connects to the broker at address, for example tcp://192.168.1.11:1883.
func NewMQTTBroker(address, clientID string, timeout time.Duration, logger golog.Logger) (*MQTTBroker, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(address).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("lost connection to broker", "broker", address, "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Infow("connected to broker", "broker", address, "client_id", clientID)
	})

	client := mqtt.NewClient(opts)
	b := &MQTTBroker{client: client, timeout: timeout, logger: logger}
	if err := b.wait(client.Connect()); err != nil {
		return nil, errors.Wrapf(err, "error connecting to broker %v", address)
	}
	return b, nil
}

func (b *MQTTBroker) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.Errorf("timed out after %v", b.timeout)
	}
	return token.Error()
}

// Subscribe registers handler for topic.
func (b *MQTTBroker) Subscribe(topic string, handler MessageHandler) error {
	token := b.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return errors.Wrapf(b.wait(token), "error subscribing to %v", topic)
}

// Publish sends payload on topic without retaining it.
func (b *MQTTBroker) Publish(topic string, payload []byte) error {
	return errors.Wrapf(b.wait(b.client.Publish(topic, 0, false, payload)), "error publishing to %v", topic)
}

// Disconnect closes the connection after in flight work is done.
func (b *MQTTBroker) Disconnect() {
	b.client.Disconnect(disconnectQuiesceMs)
}
