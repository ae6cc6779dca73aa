// Package notify delivers booking notifications to users through RabbitMQ or the process log.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeKindTopic  = "topic"
	routingKeyPrefix   = "notification."
	contentTypeJSON    = "application/json"
	messageSchemaEvent = "tutorbook.notification.v1"
)

// Message is the JSON body published for one notification.
type Message struct {
	Event      string            `json:"event"`
	OccurredAt string            `json:"occurred_at"`
	UserID     string            `json:"user_id"`
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, message amqp.Publishing) error
	Close() error
}

// Publisher sends notifications to a topic exchange, keyed by notification type.
type Publisher struct {
	connection *amqp.Connection
	channel    publishChannel
	exchange   string
	now        func() time.Time
}

// NewPublisher dials url and declares a durable topic exchange.
func NewPublisher(url string, exchange string) (*Publisher, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{connection: connection, channel: channel, exchange: exchange, now: time.Now}, nil
}

// Notify publishes notification as a persistent JSON message.
func (publisher *Publisher) Notify(ctx context.Context, notification booking.Notification) error {
	body, err := json.Marshal(Message{
		Event:      messageSchemaEvent,
		OccurredAt: publisher.now().UTC().Format(time.RFC3339),
		UserID:     notification.UserID,
		Type:       notification.Type,
		Title:      notification.Title,
		Body:       notification.Body,
		Data:       notification.Data,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKeyPrefix+notification.Type, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Close releases the channel and the connection.
func (publisher *Publisher) Close() error {
	if publisher.channel != nil {
		_ = publisher.channel.Close()
	}
	if publisher.connection != nil {
		return publisher.connection.Close()
	}
	return nil
}

// LogNotifier writes notifications to a zap logger. Used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wraps logger; nil discards.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs notification at info level.
func (notifier *LogNotifier) Notify(ctx context.Context, notification booking.Notification) error {
	fields := []zap.Field{
		zap.String("user_id", notification.UserID),
		zap.String("type", notification.Type),
		zap.String("title", notification.Title),
	}
	if bookingID, ok := notification.Data["booking_id"]; ok {
		fields = append(fields, zap.String("booking_id", bookingID))
	}
	notifier.logger.Info("notification", fields...)
	return nil
}

var (
	_ booking.Notifier = (*Publisher)(nil)
	_ booking.Notifier = (*LogNotifier)(nil)
)
