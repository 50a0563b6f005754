// Package notify publishes recording lifecycle events to an MQTT broker so
// lab automation can follow what the recorder is doing.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// Event is the JSON payload published for every lifecycle change.
type Event struct {
	Type    string            `json:"type"` // started, stopped, failed
	Time    time.Time         `json:"time"`
	Session *recorder.Session `json:"session,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Publisher is the part of mqtt.Client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier is a recorder.Listener publishing Events under <topic>/<type>.
type MQTTNotifier struct {
	client Publisher
	topic  string

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTNotifier publishes through an already connected client.
func NewMQTTNotifier(client Publisher, topic string) *MQTTNotifier {
	return &MQTTNotifier{client: client, topic: topic}
}

// Connect dials broker (host:port or a full URL) and returns a connected client.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		debug.Info("MQTT connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	debug.Info("MQTT connected to %s", broker)
	return client, nil
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"} {
		if len(broker) >= len(scheme) && broker[:len(scheme)] == scheme {
			return broker
		}
	}
	return "tcp://" + broker
}

func (n *MQTTNotifier) RecordingStarted(s recorder.Session) {
	n.publish(Event{Type: "started", Time: s.Started, Session: &s})
}

func (n *MQTTNotifier) RecordingStopped(s recorder.Session) {
	n.publish(Event{Type: "stopped", Time: s.Stopped, Session: &s})
}

func (n *MQTTNotifier) RecordingFailed(_ recorder.Options, err error) {
	n.publish(Event{Type: "failed", Time: time.Now(), Error: err.Error()})
}

// Stats returns the number of published and failed messages.
func (n *MQTTNotifier) Stats() (published, failed uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published, n.errors
}

func (n *MQTTNotifier) publish(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		n.fail(fmt.Errorf("marshal %s event: %w", evt.Type, err))
		return
	}

	topic := n.topic + "/" + evt.Type
	token := n.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		n.fail(fmt.Errorf("mqtt publish to %s timed out", topic))
		return
	}
	if err := token.Error(); err != nil {
		n.fail(fmt.Errorf("mqtt publish to %s: %w", topic, err))
		return
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
	debug.Verbose("MQTT: published %s (%d bytes)", topic, len(payload))
}

func (n *MQTTNotifier) fail(err error) {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
	debug.Error(err)
}
