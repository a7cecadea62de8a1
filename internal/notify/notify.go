// Package notify delivers login tokens to users by email. Tokens are either
// queued for the mailer worker or sent straight from the API process.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/studyreports/apiserver/internal/mq"
)

// TokenMail is the queued request to mail a login token.
type TokenMail struct {
	Email    string    `json:"email"`
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Sender delivers a token mail.
type Sender interface {
	Send(ctx context.Context, mail TokenMail) error
}

// Publisher is the part of mq.MQ used to enqueue mail.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// Queue enqueues token mail for the mailer worker.
type Queue struct {
	publisher Publisher
	channel   string
	now       func() time.Time
}

func NewQueue(publisher Publisher, channel string) *Queue {
	return &Queue{publisher: publisher, channel: channel, now: time.Now}
}

// SendToken publishes a TokenMail for email.
func (q *Queue) SendToken(ctx context.Context, email, token string) error {
	data, err := json.Marshal(TokenMail{Email: email, Token: token, IssuedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode token mail: %w", err)
	}
	if _, err := q.publisher.Publish(ctx, q.channel, data, map[string]string{"type": "token-mail"}); err != nil {
		return fmt.Errorf("publish token mail: %w", err)
	}
	return nil
}

// Direct sends token mail synchronously, without a queue.
type Direct struct {
	sender Sender
	now    func() time.Time
}

func NewDirect(sender Sender) *Direct {
	return &Direct{sender: sender, now: time.Now}
}

func (d *Direct) SendToken(ctx context.Context, email, token string) error {
	return d.sender.Send(ctx, TokenMail{Email: email, Token: token, IssuedAt: d.now().UTC()})
}

// ErrMalformedMail is returned for queue messages that can never be delivered.
var ErrMalformedMail = errors.New("malformed token mail")

// Handler returns an mq.Handler that delivers queued token mail with sender.
// Malformed messages are acknowledged and dropped; send failures are retried.
func Handler(sender Sender, onDrop func(mq.Message, error)) mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		mail, err := decodeTokenMail(msg.Data)
		if err != nil {
			if onDrop != nil {
				onDrop(msg, err)
			}
			return nil
		}
		return sender.Send(ctx, mail)
	}
}

func decodeTokenMail(data []byte) (TokenMail, error) {
	var mail TokenMail
	if err := json.Unmarshal(data, &mail); err != nil {
		return TokenMail{}, fmt.Errorf("%w: %v", ErrMalformedMail, err)
	}
	if strings.TrimSpace(mail.Email) == "" || strings.TrimSpace(mail.Token) == "" {
		return TokenMail{}, fmt.Errorf("%w: email and token are required", ErrMalformedMail)
	}
	return mail, nil
}
