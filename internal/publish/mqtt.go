package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish before Connect succeeded or after
// the broker connection was lost.
var ErrNotConnected = errors.New("publish: mqtt client not connected")

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	Port           int
	ClientID       string
	PublishTimeout time.Duration
}

// MQTTClient is a Sender backed by paho.
type MQTTClient struct {
	client mqtt.Client
	opts   MQTTOptions
	mu     sync.RWMutex
	online bool
}

var _ Sender = (*MQTTClient)(nil)

// NewMQTTClient prepares a client; nothing is dialed until Connect.
func NewMQTTClient(opts MQTTOptions) *MQTTClient {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	c := &MQTTClient{opts: opts}

	po := mqtt.NewClientOptions()
	po.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	po.SetClientID(opts.ClientID)
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)

	po.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setOnline(true)
		slog.Info("publish: mqtt connected", "broker", opts.Broker, "port", opts.Port)
	})
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setOnline(false)
		slog.Warn("publish: mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(po)
	return c
}

// Connect dials the broker and waits for the session, respecting ctx.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("publish: mqtt connect: %w", err)
			}
			c.setOnline(true)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish: mqtt connect: %w", ctx.Err())
		default:
		}
	}
}

// Publish sends payload and waits for the broker acknowledgement.
func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.isOnline() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}
	slog.Debug("publish: sent", "topic", topic, "bytes", len(payload), "retained", retained)
	return nil
}

// Disconnect closes the broker connection after in-flight work drains.
func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(250)
	c.setOnline(false)
}

func (c *MQTTClient) isOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online && c.client.IsConnected()
}

func (c *MQTTClient) setOnline(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}
