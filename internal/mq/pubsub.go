package mq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/studyreports/apiserver/config"
	"google.golang.org/api/option"
)

const (
	// ackDeadline leaves room for a slow SMTP relay.
	ackDeadline = 60 * time.Second

	minRetryBackoff = 10 * time.Second
	maxRetryBackoff = 10 * time.Minute
)

// PubSubClient maps channels onto topics. Each channel gets a subscription
// that retries with backoff and dead-letters after MaxDeliveryAttempts.
type PubSubClient struct {
	client             *pubsub.Client
	subscriptionSuffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubClient constructs a Pub/Sub client from config.
func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*PubSubClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	return &PubSubClient{
		client:             client,
		subscriptionSuffix: cfg.SubscriptionSuffix,
		topics:             make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends data to the channel's topic and waits for the server ID.
func (p *PubSubClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// Subscribe receives from the channel's subscription until ctx is done.
func (p *PubSubClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("pubsub channel is required")
	}

	sub, err := p.subscription(ctx, channel)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		attempt := 1
		if msg.DeliveryAttempt != nil {
			attempt = *msg.DeliveryAttempt
		}
		message := Message{
			ID:          msg.ID,
			Data:        msg.Data,
			Attributes:  msg.Attributes,
			Attempt:     attempt,
			PublishedAt: msg.PublishTime,
		}
		if err := handler(ctx, message); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close flushes pending publishes and closes the underlying client.
func (p *PubSubClient) Close() error {
	p.mu.Lock()
	for _, topic := range p.topics {
		topic.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	return p.client.Close()
}

// topic looks a topic up once per process and creates it when missing.
func (p *PubSubClient) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic, ok := p.topics[name]; ok {
		return topic, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	p.topics[name] = topic
	return topic, nil
}

// subscription returns the channel's subscription, creating it together with
// the dead-letter topic and a subscription that retains dead letters.
func (p *PubSubClient) subscription(ctx context.Context, channel string) (*pubsub.Subscription, error) {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return nil, err
	}
	deadTopic, err := p.topic(ctx, DeadLetterChannel(channel))
	if err != nil {
		return nil, err
	}
	if _, err := p.ensureSubscription(ctx, p.subscriptionName(DeadLetterChannel(channel)), pubsub.SubscriptionConfig{
		Topic: deadTopic,
	}); err != nil {
		return nil, err
	}

	policy := &pubsub.DeadLetterPolicy{
		DeadLetterTopic:     deadTopic.String(),
		MaxDeliveryAttempts: MaxDeliveryAttempts,
	}
	sub, err := p.ensureSubscription(ctx, p.subscriptionName(channel), pubsub.SubscriptionConfig{
		Topic:            topic,
		AckDeadline:      ackDeadline,
		DeadLetterPolicy: policy,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: minRetryBackoff,
			MaximumBackoff: maxRetryBackoff,
		},
	})
	if err != nil {
		return nil, err
	}

	// Subscriptions created before dead-lettering was configured are upgraded.
	current, err := sub.Config(ctx)
	if err != nil {
		return nil, err
	}
	if current.DeadLetterPolicy == nil {
		if _, err := sub.Update(ctx, pubsub.SubscriptionConfigToUpdate{DeadLetterPolicy: policy}); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (p *PubSubClient) ensureSubscription(ctx context.Context, name string, cfg pubsub.SubscriptionConfig) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return sub, nil
	}
	return p.client.CreateSubscription(ctx, name, cfg)
}

func (p *PubSubClient) subscriptionName(channel string) string {
	if p.subscriptionSuffix == "" {
		return channel + "-sub"
	}
	return channel + p.subscriptionSuffix
}
