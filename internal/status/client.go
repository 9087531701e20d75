package status

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the publisher uses.
// Tests substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the paho MQTT client
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token {
	return p.client.Connect()
}

func (p *pahoClient) Disconnect(quiesce uint) {
	p.client.Disconnect(quiesce)
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}
