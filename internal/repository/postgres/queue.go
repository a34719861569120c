package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/builtattic/bulkmailer/internal/domain"
)

// Queue implements the delivery queue over the recipients table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never grab the same row.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue backed by db.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

const recipientColumns = `
	id, campaign_id, email, first_name, merge_fields,
	status, attempts, last_error, message_id, next_attempt_at, created_at`

// ClaimBatch atomically claims up to limit due recipients of a campaign,
// moving them from pending to sending.
func (q *Queue) ClaimBatch(ctx context.Context, campaignID string, limit int) ([]domain.Recipient, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE mailer_recipients
		SET status = 'sending', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM mailer_recipients
			WHERE campaign_id = $1
			  AND status = 'pending'
			  AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recipientColumns,
		campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed recipient: %w", err)
		}
		claimed = append(claimed, *rec)
	}
	return claimed, rows.Err()
}

// MarkSent records a successful delivery.
func (q *Queue) MarkSent(ctx context.Context, recipientID, messageID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE mailer_recipients
		SET status = 'sent', message_id = $2, sent_at = NOW(),
		    attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`, recipientID, messageID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Recipients that exhausted their
// retries go to dead_letter; otherwise they return to pending with a
// next_attempt_at in the future.
func (q *Queue) MarkFailed(ctx context.Context, recipientID, errMsg string, maxRetries int, nextAttemptAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE mailer_recipients
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 > $3 THEN 'dead_letter' ELSE 'pending' END,
		    next_attempt_at = $4
		WHERE id = $1
	`, recipientID, errMsg, maxRetries, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Release returns a claimed recipient to pending without counting an
// attempt, e.g. when a worker shuts down mid-batch.
func (q *Queue) Release(ctx context.Context, recipientID string, nextAttemptAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE mailer_recipients
		SET status = 'pending', next_attempt_at = $2
		WHERE id = $1 AND status = 'sending'
	`, recipientID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// RequeueStuck returns recipients stuck in sending (e.g. after a worker
// crash) to pending so delivery resumes. Returns rows recovered.
func (q *Queue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE mailer_recipients
		SET status = 'pending', next_attempt_at = NOW()
		WHERE status = 'sending'
		  AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck: %w", err)
	}
	return result.RowsAffected()
}

func scanRecipient(s scanner) (*domain.Recipient, error) {
	var rec domain.Recipient
	var mergeJSON []byte
	var lastError, messageID sql.NullString
	err := s.Scan(
		&rec.ID, &rec.CampaignID, &rec.Email, &rec.FirstName, &mergeJSON,
		&rec.Status, &rec.Attempts, &lastError, &messageID, &rec.NextAttemptAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.LastError = lastError.String
	rec.MessageID = messageID.String
	if len(mergeJSON) > 0 {
		if err := json.Unmarshal(mergeJSON, &rec.MergeFields); err != nil {
			return nil, fmt.Errorf("unmarshal merge fields: %w", err)
		}
	}
	return &rec, nil
}
