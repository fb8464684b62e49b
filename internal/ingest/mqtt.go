package ingest

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker    string
	Port      int
	Username  string
	Password  string
	RootTopic string
	ClientID  string
}

// MQTTSource subscribes to a gateway uplink topic tree and feeds every
// message into the pipeline. The connection auto-reconnects and
// resubscribes; message handling never publishes.
type MQTTSource struct {
	client    mqtt.Client
	topic     string
	closeOnce sync.Once
}

// NewMQTTSource connects to the broker and starts the subscription. The
// returned source must be closed to disconnect.
func NewMQTTSource(cfg MQTTConfig, submit func(topic string, payload []byte)) (*MQTTSource, error) {
	topic := cfg.RootTopic + "/#"

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt connection lost: %v", err)
		})

	// Subscribe inside OnConnect so every reconnect restores the
	// subscription.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			submit(m.Topic(), m.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt subscribe %s: %v", topic, err)
			return
		}
		log.Printf("subscribed to %s", topic)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s:%d: %w", cfg.Broker, cfg.Port, err)
	}

	return &MQTTSource{client: client, topic: topic}, nil
}

// Close unsubscribes and disconnects from the broker. Safe to call more
// than once.
func (s *MQTTSource) Close() {
	s.closeOnce.Do(func() {
		if s.client.IsConnected() {
			s.client.Unsubscribe(s.topic)
		}
		s.client.Disconnect(250)
	})
}
