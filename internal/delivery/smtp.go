package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"time"

	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/pkg/logger"
	"github.com/builtattic/bulkmailer/internal/recipients"
)

// SMTPSender delivers mail through a single SMTP relay session. The session
// is reused across sends and re-established every BatchSize messages, which
// keeps long campaigns from tripping relay idle limits. Not safe for
// concurrent use; give each worker its own instance.
type SMTPSender struct {
	cfg config.SMTPConfig

	// BatchSize is the number of sends before the session is recycled.
	// Zero disables recycling.
	BatchSize int

	client    *smtp.Client
	sentCount int
}

// NewSMTPSender creates a sender. No connection is opened until the first
// Send, so a dry-run never touches the network.
func NewSMTPSender(cfg config.SMTPConfig, batchSize int) *SMTPSender {
	return &SMTPSender{cfg: cfg, BatchSize: batchSize}
}

// Send delivers one message, connecting or reconnecting as needed. A failed
// transaction tears the session down so the next attempt starts clean.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.cfg.Host == "" {
		return nil, ErrNotConfigured
	}
	if msg.To == "" {
		return nil, ErrNoRecipient
	}

	if s.BatchSize > 0 && s.sentCount >= s.BatchSize {
		log.Printf("[SMTP] Recycling session after %d sends", s.sentCount)
		s.teardown()
	}

	if s.client == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	messageID := NewMessageID()
	raw := BuildMIME(msg, messageID)

	if err := s.transact(msg, raw); err != nil {
		s.teardown()
		return nil, err
	}

	s.sentCount++
	log.Printf("[SMTP] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &Result{MessageID: messageID, Transport: "smtp", SentAt: time.Now()}, nil
}

// connect opens the relay session: implicit TLS for SMTPS ports, otherwise
// plain TCP upgraded via STARTTLS when configured, then AUTH when
// credentials are present.
func (s *SMTPSender) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := &net.Dialer{Timeout: s.cfg.Timeout()}

	var conn net.Conn
	var err error
	if s.cfg.UseSSL {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: s.cfg.Host},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client: %w", err)
	}

	if !s.cfg.UseSSL && s.cfg.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: s.cfg.Host}
			if err := c.StartTLS(tlsCfg); err != nil {
				c.Close()
				return fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := c.Auth(&plainAuth{user: s.cfg.Username, pass: s.cfg.Password}); err != nil {
			c.Close()
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	s.client = c
	s.sentCount = 0
	return nil
}

// transact runs MAIL FROM / RCPT TO / DATA on the open session.
func (s *SMTPSender) transact(msg *Message, raw []byte) error {
	from := recipients.ExtractEmail(msg.From)
	to := recipients.ExtractEmail(msg.To)

	if err := s.client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := s.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

// Close quits the session politely.
func (s *SMTPSender) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client = nil
	s.sentCount = 0
	return err
}

// teardown drops the session without waiting for a QUIT response.
func (s *SMTPSender) teardown() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.sentCount = 0
}

// plainAuth implements smtp.Auth without the TLS requirement the stdlib
// PlainAuth enforces. Relays on private networks often skip TLS on the
// submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
