// Package status publishes offline queue status and give-up reports to an
// MQTT broker so companion devices and dashboards can follow sync health.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/slopeside/slopeside/internal/config"
	"github.com/slopeside/slopeside/internal/offline"
)

const (
	queueTopic  = "slopeside/devices/%s/queue"  // retained status snapshots
	giveUpTopic = "slopeside/devices/%s/giveup" // dropped actions
	onlineTopic = "slopeside/devices/%s/online" // "true", or "false" via last will
)

var errNotConnected = errors.New("mqtt not connected")

// Source is what the publisher observes. *offline.Queue satisfies it.
type Source interface {
	Watch() *offline.StatusWatch
	OnGiveUp(fn func(offline.GiveUp))
}

// Message is the retained payload on the queue topic.
type Message struct {
	DeviceID string `json:"deviceId"`
	offline.Status
	At int64 `json:"at"`
}

// Publisher mirrors queue status to MQTT.
type Publisher struct {
	broker   string
	port     int
	clientID string
	username string
	password string
	deviceID string
	logger   *slog.Logger
	client   MQTTClient

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	now           func() time.Time

	mu      sync.Mutex
	watch   *offline.StatusWatch
	stopped bool
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher for cfg. An empty DeviceID falls back to
// the host name.
func NewPublisher(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	return NewPublisherWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewPublisherWithClient creates a publisher with a custom client factory (for testing)
func NewPublisherWithClient(cfg config.MQTTConfig, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, _ = os.Hostname()
	}
	if deviceID == "" {
		deviceID = "unknown"
	}
	return &Publisher{
		broker:        cfg.Host,
		port:          cfg.Port,
		clientID:      fmt.Sprintf("slopesync-%s-%d", deviceID, time.Now().Unix()),
		username:      cfg.Username,
		password:      cfg.Password,
		deviceID:      deviceID,
		logger:        logger.With("component", "mqtt-status"),
		clientFactory: clientFactory,
		now:           time.Now,
	}
}

// DeviceID returns the id used in topic names.
func (p *Publisher) DeviceID() string {
	return p.deviceID
}

// Start connects to the broker and begins mirroring src.
func (p *Publisher) Start(ctx context.Context, src Source) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", p.broker, p.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(p.clientID)

	if p.username != "" {
		opts.SetUsername(p.username)
		opts.SetPassword(p.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(fmt.Sprintf(onlineTopic, p.deviceID), "false", 1, true)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.logger.Info("mqtt connected")
		c.Publish(fmt.Sprintf(onlineTopic, p.deviceID), 1, true, "true")
	})

	p.client = p.clientFactory(opts)

	p.logger.Info("connecting to mqtt broker", "broker", brokerURL, "device", p.deviceID)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect to mqtt: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	src.OnGiveUp(func(g offline.GiveUp) {
		if err := p.PublishGiveUp(g); err != nil {
			p.logger.Warn("publish give-up failed", "id", g.ID, "error", err)
		}
	})

	watch := src.Watch()
	p.mu.Lock()
	p.watch = watch
	p.mu.Unlock()

	p.wg.Add(1)
	go p.relay(ctx, watch)

	p.logger.Info("mqtt status publisher started")
	return nil
}

func (p *Publisher) relay(ctx context.Context, watch *offline.StatusWatch) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-watch.C():
			if !ok {
				return
			}
			if err := p.PublishStatus(st); err != nil {
				p.logger.Debug("publish status failed", "error", err)
			}
		}
	}
}

// PublishStatus publishes a retained status snapshot.
func (p *Publisher) PublishStatus(st offline.Status) error {
	return p.publish(fmt.Sprintf(queueTopic, p.deviceID), true, Message{
		DeviceID: p.deviceID,
		Status:   st,
		At:       p.now().Unix(),
	})
}

// PublishGiveUp reports a dropped action. The payload itself is never sent,
// only its digest and summary.
func (p *Publisher) PublishGiveUp(g offline.GiveUp) error {
	return p.publish(fmt.Sprintf(giveUpTopic, p.deviceID), false, g)
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || p.client == nil || !p.client.IsConnected() {
		return errNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	// QoS 1 (at least once delivery)
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Stop marks the device offline and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	watch := p.watch
	p.mu.Unlock()

	if watch != nil {
		watch.Close()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.client.Publish(fmt.Sprintf(onlineTopic, p.deviceID), 1, true, "false").WaitTimeout(time.Second)
		p.client.Disconnect(250)
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.logger.Info("mqtt status publisher stopped")
}
