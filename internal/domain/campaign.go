package domain

import (
	"errors"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents a bulk mailing with its templates and delivery controls.
type Campaign struct {
	ID              string         `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	SubjectTemplate string         `json:"subject_template" db:"subject_template"`
	HTMLTemplate    string         `json:"html_template" db:"html_template"`
	TextTemplate    string         `json:"text_template" db:"text_template"`
	FromAddr        string         `json:"from_addr" db:"from_addr"`
	ReplyTo         string         `json:"reply_to" db:"reply_to"`
	Status          CampaignStatus `json:"status" db:"status"`

	// Delivery controls
	RatePerMinute int  `json:"rate_per_minute" db:"rate_per_minute"`
	BatchSize     int  `json:"batch_size" db:"batch_size"`
	MaxRetries    int  `json:"max_retries" db:"max_retries"`
	DryRun        bool `json:"dry_run" db:"dry_run"`

	// Stats (read-only, populated by queries)
	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	SentCount       int `json:"sent_count" db:"sent_count"`
	FailedCount     int `json:"failed_count" db:"failed_count"`
	SkippedCount    int `json:"skipped_count" db:"skipped_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// Validate checks the fields required before a campaign can be launched.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return errors.New("campaign name is required")
	}
	if c.SubjectTemplate == "" {
		return errors.New("subject template is required")
	}
	if c.HTMLTemplate == "" && c.TextTemplate == "" {
		return errors.New("at least one of html or text template is required")
	}
	if c.FromAddr == "" {
		return errors.New("from address is required")
	}
	return nil
}
