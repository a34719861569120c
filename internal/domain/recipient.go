package domain

import "time"

// RecipientStatus enumerates the delivery states of a queued recipient.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientSending    RecipientStatus = "sending"
	RecipientSent       RecipientStatus = "sent"
	RecipientSkipped    RecipientStatus = "skipped"
	RecipientDeadLetter RecipientStatus = "dead_letter"
)

// IsTerminal returns true if no further delivery attempt will be made.
func (s RecipientStatus) IsTerminal() bool {
	return s == RecipientSent || s == RecipientSkipped || s == RecipientDeadLetter
}

// Recipient is one row of a campaign's send queue. MergeFields carries every
// CSV column beyond the system ones and feeds template rendering.
type Recipient struct {
	ID          string            `json:"id" db:"id"`
	CampaignID  string            `json:"campaign_id" db:"campaign_id"`
	Email       string            `json:"email" db:"email"`
	FirstName   string            `json:"first_name" db:"first_name"`
	MergeFields map[string]string `json:"merge_fields" db:"merge_fields"`
	Status      RecipientStatus   `json:"status" db:"status"`

	Attempts      int        `json:"attempts" db:"attempts"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
	MessageID     string     `json:"message_id,omitempty" db:"message_id"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	SentAt        *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// RenderContext builds the template context for this recipient: all merge
// fields plus the system columns, matching the original CSV row.
func (r *Recipient) RenderContext() map[string]interface{} {
	ctx := make(map[string]interface{}, len(r.MergeFields)+2)
	for k, v := range r.MergeFields {
		ctx[k] = v
	}
	ctx["email"] = r.Email
	ctx["first_name"] = r.FirstName
	return ctx
}

// SendError is one entry of a campaign's error report.
type SendError struct {
	Email    string    `json:"email"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}
