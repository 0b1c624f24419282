package display

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/user/prowl/internal/model"
)

// MQTTSink publishes events to a broker so remote displays can follow the
// run. Summaries are retained.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink connects to broker.
func NewMQTTSink(broker, topic string) (*MQTTSink, error) {
	host, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("prowl-%s-%d", host, os.Getpid())).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &MQTTSink{client: client, topic: topic}, nil
}

// Notify implements Sink.
func (m *MQTTSink) Notify(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := m.topic + "/" + string(ev.Type)
	retained := ev.Type == model.EventSummary
	token := m.client.Publish(topic, 0, retained, data)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		log.WithError(token.Error()).Debug("mqtt publish failed")
	}
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}
