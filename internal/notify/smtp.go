package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/studyreports/apiserver/config"
)

const tokenSubject = "Your study reports login token"

// SMTPSender mails tokens through an SMTP relay.
type SMTPSender struct {
	addr     string
	host     string
	auth     smtp.Auth
	from     string
	loginURL string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:     cfg.Host,
		auth:     auth,
		from:     cfg.From,
		loginURL: cfg.LoginURL,
		send:     smtp.SendMail,
	}, nil
}

// Send delivers mail. net/smtp has no context support, so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, mail TokenMail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := s.message(mail)
	if err := s.send(s.addr, s.auth, s.from, []string{mail.Email}, msg); err != nil {
		return fmt.Errorf("send token mail: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(mail TokenMail) []byte {
	var body bytes.Buffer
	fmt.Fprintf(&body, "Your login token for the study reports is:\r\n\r\n    %s\r\n\r\n", mail.Token)
	if link := loginLink(s.loginURL, mail); link != "" {
		fmt.Fprintf(&body, "Or sign in directly: %s\r\n\r\n", link)
	}
	body.WriteString("Requesting a new token invalidates this one.\r\n")

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", mail.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", tokenSubject)
	fmt.Fprintf(&msg, "Date: %s\r\n", mail.IssuedAt.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes()
}

func loginLink(base string, mail TokenMail) string {
	if strings.TrimSpace(base) == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("email", mail.Email)
	q.Set("token", mail.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// LogSender stands in for SMTP when none is configured. The token itself is
// only logged when showToken is set.
type LogSender struct {
	log       logrus.FieldLogger
	showToken bool
}

func NewLogSender(log logrus.FieldLogger, showToken bool) *LogSender {
	return &LogSender{log: log, showToken: showToken}
}

func (s *LogSender) Send(ctx context.Context, mail TokenMail) error {
	entry := s.log.WithField("email", mail.Email)
	if s.showToken {
		entry = entry.WithField("token", mail.Token)
	}
	entry.Warn("no smtp relay configured, token mail not delivered")
	return nil
}
