// Package messaging publishes voice service events to an AMQP broker so
// external consumers (web panels, analytics, moderation tooling) can follow
// what happens in voice without coupling to the server process.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicechat-server/pkg/metrics"
	"voicechat-server/pkg/voice"
)

const connectTimeout = 5 * time.Second

// EventMessage is the JSON envelope published for every voice event
type EventMessage struct {
	Event     string    `json:"event"`
	PlayerID  string    `json:"player_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Group     string    `json:"group,omitempty"`
	Speaking  *bool     `json:"speaking,omitempty"`
	Muted     *bool     `json:"muted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AMQPConfig holds client configuration
type AMQPConfig struct {
	URL        string
	QueueName  string
	RoutingKey string
	Durable    bool
}

// AMQPClient maintains one connection and channel to the broker and
// publishes event messages to a declared queue.
type AMQPClient struct {
	logger *logrus.Logger
	config AMQPConfig

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	stopCh chan struct{}
}

// NewAMQPClient creates a disconnected client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}

	return &AMQPClient{
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Connect dials the broker with a bounded timeout and declares the queue
func (c *AMQPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case resultCh <- dialResult{conn, err}:
		}
	}()

	var conn *amqp.Connection
	select {
	case <-ctx.Done():
		return fmt.Errorf("AMQP connection timed out after %s", connectTimeout)
	case res := <-resultCh:
		if res.err != nil {
			return fmt.Errorf("failed to connect to AMQP: %w", res.err)
		}
		conn = res.conn
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true

	go c.monitorConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))

	c.logger.WithField("queue", c.config.QueueName).Info("Connected to AMQP broker")
	return nil
}

// monitorConnection reconnects with backoff after the broker drops us
func (c *AMQPClient) monitorConnection(closed chan *amqp.Error) {
	select {
	case <-c.stopCh:
		return
	case err := <-closed:
		if err == nil {
			return
		}
		c.logger.WithError(err).Warn("AMQP connection lost, reconnecting")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err == nil {
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// IsConnected reports whether the client currently holds a live connection
func (c *AMQPClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends one event message to the queue
func (c *AMQPClient) Publish(msg EventMessage) error {
	c.mu.RLock()
	channel := c.channel
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return fmt.Errorf("AMQP client not connected")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode event message: %w", err)
	}

	return channel.Publish(
		"", // default exchange
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   msg.Timestamp,
			Body:        body,
		},
	)
}

// Disconnect closes the connection and stops reconnection attempts
func (c *AMQPClient) Disconnect() {
	close(c.stopCh)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// EventBridge forwards manager events to the broker. Publish failures are
// logged and counted, never propagated into the voice path.
type EventBridge struct {
	logger *logrus.Logger
	client *AMQPClient
	sub    *voice.Subscription
}

// NewEventBridge subscribes to all events on the registry
func NewEventBridge(logger *logrus.Logger, client *AMQPClient, events *voice.EventRegistry) *EventBridge {
	b := &EventBridge{logger: logger, client: client}
	b.sub = events.SubscribeAll(b.handle)
	return b
}

// Close stops forwarding events
func (b *EventBridge) Close() error {
	b.sub.Unsubscribe()
	return nil
}

func (b *EventBridge) handle(e voice.Event) {
	msg := EventMessage{Event: e.Name(), Timestamp: time.Now()}

	switch ev := e.(type) {
	case voice.PlayerEvent:
		msg.PlayerID = idString(ev.PlayerID)
	case voice.ChannelEvent:
		msg.PlayerID = idString(ev.PlayerID)
		msg.ChannelID = idString(ev.ChannelID)
		msg.Channel = ev.Channel
	case voice.GroupEvent:
		msg.PlayerID = idString(ev.PlayerID)
		msg.GroupID = idString(ev.GroupID)
		msg.Group = ev.Group
	case voice.StateEvent:
		msg.PlayerID = idString(ev.PlayerID)
		speaking := ev.Flags.Speaking
		muted := ev.Flags.Muted || ev.Flags.SelfMuted
		msg.Speaking = &speaking
		msg.Muted = &muted
	case voice.RecordingEvent:
		msg.PlayerID = idString(ev.PlayerID)
	}

	if err := b.client.Publish(msg); err != nil {
		metrics.EventPublishFailures.Inc()
		b.logger.WithError(err).WithField("event", e.Name()).Debug("Event publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues(e.Name()).Inc()
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
