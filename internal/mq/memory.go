package mq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process backend for a single binary running both the API
// and the mailer, and for tests. Messages are lost on restart.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]chan Message
	seq       int
	closed    bool
	retryBase time.Duration
}

const (
	memoryQueueSize     = 256
	memoryRetryDelay    = time.Second
	memoryMaxRetryDelay = 30 * time.Second
)

func NewMemory() *Memory {
	return &Memory{queues: make(map[string]chan Message), retryBase: memoryRetryDelay}
}

// retryDelay doubles per failed attempt up to memoryMaxRetryDelay.
func (m *Memory) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.retryBase
	for i := 1; i < attempt && delay < memoryMaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, memoryMaxRetryDelay)
}

func (m *Memory) queue(channel string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("memory queue closed")
	}
	q, ok := m.queues[channel]
	if !ok {
		q = make(chan Message, memoryQueueSize)
		m.queues[channel] = q
	}
	return q, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if channel == "" {
		return "", errors.New("memory channel is required")
	}
	q, err := m.queue(channel)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.seq++
	id := strconv.Itoa(m.seq)
	m.mu.Unlock()

	msg := Message{
		ID:          id,
		Data:        append([]byte(nil), data...),
		Attributes:  attrs,
		PublishedAt: time.Now(),
	}
	select {
	case q <- msg:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe delivers messages until ctx is done. A message whose handler
// fails is put back on the queue after a growing delay, and moved to the
// dead-letter channel after MaxDeliveryAttempts. Pending retries are dropped
// when ctx is done.
func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if channel == "" {
		return errors.New("memory channel is required")
	}
	q, err := m.queue(channel)
	if err != nil {
		return err
	}
	dead, err := m.queue(DeadLetterChannel(channel))
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			msg.Attempt++
			if err := handler(ctx, msg); err == nil {
				continue
			}
			if msg.Attempt >= MaxDeliveryAttempts {
				go requeue(ctx, dead, msg, 0)
				continue
			}
			go requeue(ctx, q, msg, m.retryDelay(msg.Attempt))
		}
	}
}

// requeue hands msg back to target after delay without blocking the
// subscriber that reads target.
func requeue(ctx context.Context, target chan<- Message, msg Message, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
	select {
	case target <- msg:
	case <-ctx.Done():
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
