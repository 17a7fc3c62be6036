// Package hass connects the controllers to Home Assistant over MQTT. Entity
// states are read from the topics of the mqtt_statestream integration and
// values are written to command topics that Home Assistant automations or
// MQTT entities forward to the entities.
package hass

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/config"
)

var (
	ErrNotConnected      = errors.New("mqtt client not connected")
	ErrUnsupportedDomain = errors.New("unsupported entity domain")
)

const publishTimeout = 5 * time.Second

// Publisher is the part of mqtt.Client used to send messages.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Client is a MQTT connection that restores its subscriptions on every reconnect.
type Client struct {
	cfg    config.MQTT
	client mqtt.Client
	states *States

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func New(cfg config.MQTT) *Client {
	c := &Client{
		cfg:    cfg,
		states: NewStates(cfg.StatePrefix),
		subs:   make(map[string]mqtt.MessageHandler),
	}
	c.subs[c.states.Topic()] = c.states.HandleMessage

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// Handle registers h for topic. Subscriptions are made on connect.
func (c *Client) Handle(topic string, h mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = h
	if c.client.IsConnected() {
		c.subscribe(c.client, topic, h)
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Info().Str("broker", c.cfg.Broker).Msg("mqtt connected")
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, h := range c.subs {
		c.subscribe(client, topic, h)
	}
}

func (c *Client) subscribe(client mqtt.Client, topic string, h mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, h)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}()
}

// Connect starts connecting. It returns once connected or when ctx is done;
// the client keeps retrying in the background in the latter case.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func (c *Client) States() *States {
	return c.states
}

func (c *Client) Writer() *Writer {
	return NewWriter(c.client, c.cfg.CommandPrefix)
}

func (c *Client) Publisher() Publisher {
	return c.client
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish sends payload and waits for the broker acknowledge.
func publish(ctx context.Context, p Publisher, topic string, retained bool, payload interface{}) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := wait(ctx, p.Publish(topic, 1, retained, payload)); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}
