// Package delivery hands rendered messages to a mail transport. The SMTP
// sender is the primary path; AWS SES is an optional alternative.
package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConfigured = errors.New("sender not configured")
	ErrNoRecipient   = errors.New("message has no recipient")
)

// Message is a fully rendered email ready for transport.
type Message struct {
	From        string // "Display Name <addr>" or bare address
	To          string
	ReplyTo     string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	Attachments []Attachment

	CampaignID  string
	RecipientID string
}

// Attachment is a file included with the message, base64-encoded on the wire.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result reports the outcome of a single delivery.
type Result struct {
	MessageID string
	Transport string
	SentAt    time.Time
}

// Sender delivers one message. Implementations are not safe for concurrent
// use; each worker owns its own Sender.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Close() error
}
