// Package campaign implements the campaign lifecycle: create, load
// recipients, launch, cancel, and report progress.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/domain"
	"github.com/builtattic/bulkmailer/internal/recipients"
)

var (
	ErrNotFound        = errors.New("campaign not found")
	ErrNotDraft        = errors.New("campaign is not in draft state")
	ErrNoRecipients    = errors.New("campaign has no recipients")
	ErrAlreadyFinished = errors.New("campaign already finished")
)

// Stats summarizes the delivery queue of one campaign. Recipients that
// failed for good are counted under DeadLetter; transient failures sit in
// Pending until their next attempt.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Sending    int `json:"sending"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	DeadLetter int `json:"dead_letter"`
}

// Done reports whether no recipient is awaiting delivery.
func (s Stats) Done() bool {
	return s.Pending == 0 && s.Sending == 0
}

// Repository persists campaigns and their recipient queues.
type Repository interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]domain.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	AddRecipients(ctx context.Context, campaignID string, batch []domain.Recipient) error
	CampaignStats(ctx context.Context, campaignID string) (*Stats, error)
	ErrorReport(ctx context.Context, campaignID string) ([]domain.SendError, error)
	CancelPending(ctx context.Context, campaignID string) (int64, error)
}

// Service coordinates campaign operations over the repository, the CSV
// importer, and the progress store.
type Service struct {
	repo     Repository
	importer *recipients.Importer
	progress *ProgressStore
	defaults config.SendingConfig
}

// NewService wires the campaign service. progress may be nil when Redis is
// not available; Progress then falls back to repository stats.
func NewService(repo Repository, progress *ProgressStore, defaults config.SendingConfig) *Service {
	return &Service{
		repo:     repo,
		importer: recipients.NewImporter(),
		progress: progress,
		defaults: defaults,
	}
}

// Create validates and stores a new draft campaign, filling in delivery
// controls from the configured defaults.
func (s *Service) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = domain.CampaignDraft
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	if c.RatePerMinute <= 0 {
		c.RatePerMinute = s.defaults.RatePerMinute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = s.defaults.BatchSize
	}
	// Zero is a valid choice (no retries); only a negative value means unset
	if c.MaxRetries < 0 {
		c.MaxRetries = s.defaults.MaxRetries
	}

	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}

	log.Printf("[Campaign] Created %s (%s)", c.ID, c.Name)
	return nil
}

// Get returns one campaign by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

// List returns campaigns, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListCampaigns(ctx, limit, offset)
}

// ImportRecipients streams a CSV into the campaign's queue. Only draft
// campaigns accept recipients.
func (s *Service) ImportRecipients(ctx context.Context, id string, reader io.Reader) (*recipients.ImportResult, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft {
		return nil, ErrNotDraft
	}

	result, err := s.importer.Import(ctx, id, reader, func(ctx context.Context, batch []domain.Recipient) error {
		return s.repo.AddRecipients(ctx, id, batch)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Campaign] %s: imported %d recipients (%d skipped)", id, result.ImportedCount, result.SkippedCount)
	return result, nil
}

// Launch moves a draft campaign into the sending state. Workers pick up its
// pending recipients on their next poll.
func (s *Service) Launch(ctx context.Context, id string) error {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignDraft {
		return ErrNotDraft
	}

	stats, err := s.repo.CampaignStats(ctx, id)
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		return ErrNoRecipients
	}

	if err := s.repo.UpdateCampaignStatus(ctx, id, domain.CampaignSending); err != nil {
		return fmt.Errorf("launch campaign: %w", err)
	}

	log.Printf("[Campaign] Launched %s: %d recipients at %d/min", id, stats.Total, c.RatePerMinute)
	return nil
}

// Cancel stops a campaign. Pending recipients are marked skipped; in-flight
// sends finish their current attempt.
func (s *Service) Cancel(ctx context.Context, id string) error {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrAlreadyFinished
	}

	skipped, err := s.repo.CancelPending(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel pending recipients: %w", err)
	}
	if err := s.repo.UpdateCampaignStatus(ctx, id, domain.CampaignCancelled); err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}

	log.Printf("[Campaign] Cancelled %s (%d pending skipped)", id, skipped)
	return nil
}

// Complete marks a sending campaign finished. Called by workers when the
// queue drains.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.repo.UpdateCampaignStatus(ctx, id, domain.CampaignCompleted)
}

// Progress returns the latest progress snapshot, preferring the store's
// cached copy over a repository count.
func (s *Service) Progress(ctx context.Context, id string) (*Progress, error) {
	if s.progress != nil {
		if p, ok := s.progress.Get(ctx, id); ok {
			return p, nil
		}
	}

	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.CampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Progress{
		CampaignID: id,
		Status:     string(c.Status),
		Total:      stats.Total,
		Sent:       stats.Sent,
		Failed:     stats.DeadLetter,
		Skipped:    stats.Skipped,
		UpdatedAt:  time.Now(),
	}, nil
}

// Errors returns the error report rows for a campaign.
func (s *Service) Errors(ctx context.Context, id string) ([]domain.SendError, error) {
	if _, err := s.repo.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ErrorReport(ctx, id)
}

// Stats returns per-status queue counts.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	return s.repo.CampaignStats(ctx, id)
}
