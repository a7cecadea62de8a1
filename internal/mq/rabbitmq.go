package mq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/studyreports/apiserver/config"
)

// ErrNotConfirmed is returned when the broker refuses a published message.
var ErrNotConfirmed = errors.New("rabbitmq did not confirm message")

// RabbitMQClient publishes on a confirm-mode channel and consumes on a
// channel of its own per subscription. Every queue it declares dead-letters
// into DeadLetterChannel(queue).
type RabbitMQClient struct {
	conn *amqp.Connection
	cfg  config.RabbitMQConfig

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// NewRabbitMQClient dials the broker and opens the publishing channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &RabbitMQClient{
		conn:     conn,
		cfg:      cfg,
		pub:      pub,
		declared: make(map[string]bool),
	}, nil
}

// Publish sends data to the named queue and waits for the broker to confirm
// it, so a returned ID means the message survived the hand-off.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	r.mu.Lock()
	if err := r.declare(r.pub, channel); err != nil {
		r.mu.Unlock()
		return "", err
	}
	messageID := newMessageID()
	confirm, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  contentType(attrs),
		DeliveryMode: r.deliveryMode(),
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Headers:      attributesToHeaders(attrs),
		Body:         data,
	})
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", err
	}
	if !acked {
		return "", ErrNotConfirmed
	}
	return messageID, nil
}

// Subscribe consumes the named queue until ctx is done. A failed message is
// requeued once; a second failure rejects it into the dead-letter queue.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
	}()

	if r.cfg.PrefetchCount > 0 {
		if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
			return err
		}
	}
	r.mu.Lock()
	err = r.declare(ch, channel)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	consumerTag := "mailer-" + newMessageID()
	deliveries, err := ch.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			attempt := 1
			if delivery.Redelivered {
				attempt = 2
			}
			msg := Message{
				ID:          delivery.MessageId,
				Data:        delivery.Body,
				Attributes:  headersToAttributes(delivery.Headers),
				Attempt:     attempt,
				PublishedAt: delivery.Timestamp,
			}
			if err := handler(ctx, msg); err != nil {
				_ = delivery.Nack(false, !delivery.Redelivered)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	return r.conn.Close()
}

// declare sets up queue and its dead-letter queue once per process. Callers
// hold r.mu.
func (r *RabbitMQClient) declare(ch *amqp.Channel, queue string) error {
	if r.declared[queue] {
		return nil
	}
	dead := DeadLetterChannel(queue)
	if _, err := ch.QueueDeclare(dead, r.cfg.QueueDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dead, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	}
	if _, err := ch.QueueDeclare(queue, r.cfg.QueueDurable, r.cfg.QueueAutoDelete, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	r.declared[queue] = true
	return nil
}

func (r *RabbitMQClient) deliveryMode() uint8 {
	if r.cfg.QueueDurable {
		return amqp.Persistent
	}
	return amqp.Transient
}

func attributesToHeaders(attrs map[string]string) amqp.Table {
	headers := make(amqp.Table, len(attrs))
	for key, value := range attrs {
		headers[key] = value
	}
	return headers
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}

func newMessageID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(buf[:])
}

func contentType(attrs map[string]string) string {
	if ct := attrs["content-type"]; ct != "" {
		return ct
	}
	return "application/json"
}
