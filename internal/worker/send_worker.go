package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/builtattic/bulkmailer/internal/campaign"
	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/delivery"
	"github.com/builtattic/bulkmailer/internal/domain"
	"github.com/builtattic/bulkmailer/internal/pkg/logger"
	"github.com/builtattic/bulkmailer/internal/template"
)

// claimSize is how many recipients a worker claims per poll.
const claimSize = 10

// QueueStore is the queue side of the repository used by workers.
type QueueStore interface {
	ClaimBatch(ctx context.Context, campaignID string, limit int) ([]domain.Recipient, error)
	MarkSent(ctx context.Context, recipientID, messageID string) error
	MarkFailed(ctx context.Context, recipientID, errMsg string, maxRetries int, nextAttemptAt time.Time) error
	Release(ctx context.Context, recipientID string, nextAttemptAt time.Time) error
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CampaignStore is the campaign side of the repository used by workers.
type CampaignStore interface {
	ListSendingCampaigns(ctx context.Context) ([]domain.Campaign, error)
	CampaignStats(ctx context.Context, campaignID string) (*campaign.Stats, error)
	UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
}

// SenderFactory builds a sender for one campaign. Each worker calls it once
// per campaign so SMTP sessions are never shared between goroutines.
type SenderFactory func(c *domain.Campaign) delivery.Sender

// Pool runs the send workers for all campaigns in the sending state.
type Pool struct {
	queue     QueueStore
	campaigns CampaignStore
	limiter   *RateLimiter
	progress  *campaign.ProgressStore
	engine    *template.Engine
	newSender SenderFactory
	cfg       config.SendingConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires a worker pool. progress may be nil when Redis is absent.
func NewPool(
	queue QueueStore,
	campaigns CampaignStore,
	limiter *RateLimiter,
	progress *campaign.ProgressStore,
	engine *template.Engine,
	newSender SenderFactory,
	cfg config.SendingConfig,
) *Pool {
	return &Pool{
		queue:     queue,
		campaigns: campaigns,
		limiter:   limiter,
		progress:  progress,
		engine:    engine,
		newSender: newSender,
		cfg:       cfg,
	}
}

// Start launches the workers and the stuck-claim recovery loop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	p.wg.Add(1)
	go p.recoveryLoop(ctx)

	log.Printf("[Worker] Started %d workers (poll %v)", workers, p.cfg.PollInterval())
}

// Stop cancels the workers and waits for in-flight sends to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("[Worker] Stopped")
}

// workerLoop polls sending campaigns and drains their queues.
func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	// Per-campaign senders, closed on exit
	senders := make(map[string]delivery.Sender)
	defer func() {
		for _, s := range senders {
			s.Close()
		}
	}()

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := p.campaigns.ListSendingCampaigns(ctx)
		if err != nil {
			log.Printf("[Worker %d] List campaigns: %v", id, err)
			continue
		}

		for i := range active {
			c := &active[i]
			if err := p.drainCampaign(ctx, c, senders); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker %d] Campaign %s: %v", id, c.ID, err)
			}
		}
	}
}

// drainCampaign claims and processes one batch for a campaign, then updates
// progress and closes the campaign out if the queue is empty.
func (p *Pool) drainCampaign(ctx context.Context, c *domain.Campaign, senders map[string]delivery.Sender) error {
	claimed, err := p.queue.ClaimBatch(ctx, c.ID, claimSize)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	if len(claimed) == 0 {
		return p.maybeComplete(ctx, c)
	}

	sender, ok := senders[c.ID]
	if !ok && !c.DryRun {
		sender = p.newSender(c)
		senders[c.ID] = sender
	}

	for i := range claimed {
		if ctx.Err() != nil {
			// Shutting down: return the unprocessed claim to the queue
			for _, rec := range claimed[i:] {
				p.release(rec.ID)
			}
			return ctx.Err()
		}
		p.processItem(ctx, c, sender, &claimed[i])
	}

	p.publishProgress(ctx, c)
	return nil
}

// processItem renders and delivers one recipient, recording the outcome.
// Render failures are permanent; transport failures retry with backoff until
// the campaign's retry budget is spent.
func (p *Pool) processItem(ctx context.Context, c *domain.Campaign, sender delivery.Sender, rec *domain.Recipient) {
	renderCtx := rec.RenderContext()

	subject, err := p.engine.Render(c.ID+":subject", c.SubjectTemplate, renderCtx)
	if err != nil {
		p.deadLetter(ctx, rec, fmt.Sprintf("render subject: %v", err))
		return
	}

	var htmlBody, textBody string
	if c.HTMLTemplate != "" {
		htmlBody, err = p.engine.Render(c.ID+":html", c.HTMLTemplate, renderCtx)
		if err != nil {
			p.deadLetter(ctx, rec, fmt.Sprintf("render html: %v", err))
			return
		}
	}
	if c.TextTemplate != "" {
		textBody, err = p.engine.Render(c.ID+":text", c.TextTemplate, renderCtx)
		if err != nil {
			p.deadLetter(ctx, rec, fmt.Sprintf("render text: %v", err))
			return
		}
	}

	if c.DryRun {
		// Dry runs count as sent, like a real run minus the relay
		log.Printf("[Worker] Dry run: would send %q to %s", subject, logger.RedactEmail(rec.Email))
		if err := p.queue.MarkSent(ctx, rec.ID, ""); err != nil {
			log.Printf("[Worker] Mark sent %s: %v", rec.ID, err)
		}
		return
	}

	if !p.waitForRateSlot(ctx, c) {
		p.release(rec.ID)
		return
	}

	result, err := sender.Send(ctx, &delivery.Message{
		From:        c.FromAddr,
		To:          rec.Email,
		ReplyTo:     c.ReplyTo,
		Subject:     subject,
		TextBody:    textBody,
		HTMLBody:    htmlBody,
		CampaignID:  c.ID,
		RecipientID: rec.ID,
	})
	if err != nil {
		attempt := rec.Attempts + 1
		next := time.Now().Add(RetryBackoff(attempt))
		if markErr := p.queue.MarkFailed(ctx, rec.ID, err.Error(), c.MaxRetries, next); markErr != nil {
			log.Printf("[Worker] Mark failed %s: %v", rec.ID, markErr)
		}
		log.Printf("[Worker] Send to %s failed (attempt %d/%d): %v",
			logger.RedactEmail(rec.Email), attempt, c.MaxRetries+1, err)
		return
	}

	if err := p.queue.MarkSent(ctx, rec.ID, result.MessageID); err != nil {
		log.Printf("[Worker] Mark sent %s: %v", rec.ID, err)
	}
}

// waitForRateSlot blocks until the campaign's rate limiter grants a slot or
// the context is cancelled. Without a limiter it paces nothing.
func (p *Pool) waitForRateSlot(ctx context.Context, c *domain.Campaign) bool {
	if p.limiter == nil {
		return true
	}
	for {
		allowed, wait, err := p.limiter.Allow(ctx, c.ID, c.RatePerMinute)
		if err != nil {
			log.Printf("[Worker] Rate limit check for %s: %v (allowing)", c.ID, err)
			return true
		}
		if allowed {
			return true
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// deadLetter records a permanent failure (maxRetries 0 forces dead_letter).
func (p *Pool) deadLetter(ctx context.Context, rec *domain.Recipient, reason string) {
	log.Printf("[Worker] Dead letter %s: %s", logger.RedactEmail(rec.Email), reason)
	if err := p.queue.MarkFailed(ctx, rec.ID, reason, 0, time.Now()); err != nil {
		log.Printf("[Worker] Mark dead letter %s: %v", rec.ID, err)
	}
}

// release returns an unprocessed claim to pending without burning an
// attempt. Uses a background context so shutdown still releases claims.
func (p *Pool) release(recipientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Release(ctx, recipientID, time.Now()); err != nil {
		log.Printf("[Worker] Release %s: %v", recipientID, err)
	}
}

// maybeComplete marks the campaign completed once nothing is pending or in
// flight.
func (p *Pool) maybeComplete(ctx context.Context, c *domain.Campaign) error {
	stats, err := p.campaigns.CampaignStats(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if stats.Total == 0 || stats.Pending > 0 || stats.Sending > 0 {
		return nil
	}

	if err := p.campaigns.UpdateCampaignStatus(ctx, c.ID, domain.CampaignCompleted); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	p.publishProgress(ctx, c)
	log.Printf("[Worker] Campaign %s completed: %d sent, %d dead-lettered, %d skipped",
		c.ID, stats.Sent, stats.DeadLetter, stats.Skipped)
	return nil
}

// publishProgress snapshots queue counts into the progress store.
func (p *Pool) publishProgress(ctx context.Context, c *domain.Campaign) {
	if p.progress == nil {
		return
	}
	stats, err := p.campaigns.CampaignStats(ctx, c.ID)
	if err != nil {
		return
	}

	status := string(domain.CampaignSending)
	if stats.Total > 0 && stats.Pending == 0 && stats.Sending == 0 {
		status = string(domain.CampaignCompleted)
	}

	p.progress.Set(ctx, &campaign.Progress{
		CampaignID: c.ID,
		Status:     status,
		Total:      stats.Total,
		Sent:       stats.Sent,
		Failed:     stats.DeadLetter,
		Skipped:    stats.Skipped,
		UpdatedAt:  time.Now(),
	})
}
