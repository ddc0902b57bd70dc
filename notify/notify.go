package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deemkeen/fedicore/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Transport hands a notification to whatever pushes it to the recipient.
type Transport interface {
	Send(ctx context.Context, n domain.Notification) error
}

// LogTransport only records notifications. It is used when no broker is configured.
type LogTransport struct {
	log *zap.SugaredLogger
}

func NewLogTransport(log *zap.SugaredLogger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(_ context.Context, n domain.Notification) error {
	t.log.Infow("Notify: "+string(n.Type),
		"recipient", n.RecipientActor,
		"source", n.SourceActor,
		"ref", n.RefID,
	)
	return nil
}

// publisher is the part of *amqp.Channel the transport uses.
type publisher interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPTransport publishes each notification as a JSON message on a topic
// exchange. The routing key is "notification.<type>".
type AMQPTransport struct {
	mu       sync.Mutex
	channel  publisher
	conn     *amqp.Connection
	exchange string
	log      *zap.SugaredLogger
}

// DialAMQP connects to the broker at url and declares the exchange.
func DialAMQP(url, exchange string, log *zap.SugaredLogger) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("error establishing connection with rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening channel for rabbitmq: %w", err)
	}
	t, err := newAMQPTransport(ch, exchange, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

func newAMQPTransport(ch publisher, exchange string, log *zap.SugaredLogger) (*AMQPTransport, error) {
	if exchange == "" {
		exchange = "notifications"
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("error declaring exchange %s: %w", exchange, err)
	}
	return &AMQPTransport{channel: ch, exchange: exchange, log: log}, nil
}

func (t *AMQPTransport) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("error converting notification to json: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.channel.PublishWithContext(ctx, t.exchange, "notification."+string(n.Type), false, false, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	t.log.Debugf("Notify: Published %s for %s", n.Type, n.RecipientActor)
	return nil
}

// Close releases the broker connection, if the transport owns one.
func (t *AMQPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
