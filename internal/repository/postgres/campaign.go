// Package postgres implements campaign and queue persistence over lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/builtattic/bulkmailer/internal/campaign"
	"github.com/builtattic/bulkmailer/internal/domain"
)

// CampaignRepository persists campaigns and recipient queues.
type CampaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a repository backed by db.
func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// CreateCampaign inserts a new campaign row.
func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailer_campaigns (
			id, name, subject_template, html_template, text_template,
			from_addr, reply_to, status,
			rate_per_minute, batch_size, max_retries, dry_run,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, c.ID, c.Name, c.SubjectTemplate, c.HTMLTemplate, c.TextTemplate,
		c.FromAddr, c.ReplyTo, c.Status,
		c.RatePerMinute, c.BatchSize, c.MaxRetries, c.DryRun, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

const campaignColumns = `
	id, name, subject_template, html_template, text_template,
	from_addr, reply_to, status,
	rate_per_minute, batch_size, max_retries, dry_run,
	total_recipients, sent_count, failed_count, skipped_count,
	started_at, completed_at, created_at, updated_at`

// GetCampaign loads one campaign by ID.
func (r *CampaignRepository) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM mailer_campaigns WHERE id = $1
	`, id)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns, newest first.
func (r *CampaignRepository) ListCampaigns(ctx context.Context, limit, offset int) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM mailer_campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListSendingCampaigns returns campaigns currently being delivered. Used by
// workers to pick up queue work.
func (r *CampaignRepository) ListSendingCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM mailer_campaigns
		WHERE status = 'sending'
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sending campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus transitions a campaign, stamping started_at and
// completed_at at the right transitions.
func (r *CampaignRepository) UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE mailer_campaigns
		SET status = $2,
		    started_at = CASE WHEN $2 = 'sending' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// AddRecipients inserts a batch of recipients, skipping addresses already
// queued for the campaign, and refreshes the campaign's recipient count.
func (r *CampaignRepository) AddRecipients(ctx context.Context, campaignID string, batch []domain.Recipient) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range batch {
		mergeJSON, err := json.Marshal(rec.MergeFields)
		if err != nil {
			return fmt.Errorf("marshal merge fields: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mailer_recipients (
				id, campaign_id, email, first_name, merge_fields,
				status, attempts, next_attempt_at, created_at
			) VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW(), NOW())
			ON CONFLICT (campaign_id, email) DO NOTHING
		`, rec.ID, campaignID, rec.Email, rec.FirstName, mergeJSON)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mailer_campaigns
		SET total_recipients = (SELECT COUNT(*) FROM mailer_recipients WHERE campaign_id = $1),
		    updated_at = NOW()
		WHERE id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("update recipient count: %w", err)
	}

	return tx.Commit()
}

// CampaignStats counts recipients by status.
func (r *CampaignRepository) CampaignStats(ctx context.Context, campaignID string) (*campaign.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM mailer_recipients
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	stats := &campaign.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		switch domain.RecipientStatus(status) {
		case domain.RecipientPending:
			stats.Pending = count
		case domain.RecipientSending:
			stats.Sending = count
		case domain.RecipientSent:
			stats.Sent = count
		case domain.RecipientSkipped:
			stats.Skipped = count
		case domain.RecipientDeadLetter:
			stats.DeadLetter = count
		}
	}
	return stats, rows.Err()
}

// ErrorReport lists recipients whose delivery failed permanently, with
// their last error.
func (r *CampaignRepository) ErrorReport(ctx context.Context, campaignID string) ([]domain.SendError, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, last_error, attempts, created_at
		FROM mailer_recipients
		WHERE campaign_id = $1
		  AND status = 'dead_letter'
		ORDER BY email ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("error report: %w", err)
	}
	defer rows.Close()

	var report []domain.SendError
	for rows.Next() {
		var e domain.SendError
		if err := rows.Scan(&e.Email, &e.Error, &e.Attempts, &e.At); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		report = append(report, e)
	}
	return report, rows.Err()
}

// CancelPending marks all pending recipients skipped. Returns the number of
// rows affected.
func (r *CampaignRepository) CancelPending(ctx context.Context, campaignID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE mailer_recipients
		SET status = 'skipped'
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return result.RowsAffected()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(s scanner) (*domain.Campaign, error) {
	var c domain.Campaign
	var startedAt, completedAt sql.NullTime
	err := s.Scan(
		&c.ID, &c.Name, &c.SubjectTemplate, &c.HTMLTemplate, &c.TextTemplate,
		&c.FromAddr, &c.ReplyTo, &c.Status,
		&c.RatePerMinute, &c.BatchSize, &c.MaxRetries, &c.DryRun,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.SkippedCount,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}
