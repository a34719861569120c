package campaign

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/domain"
)

// fakeRepo is an in-memory Repository for service tests.
type fakeRepo struct {
	campaigns map[string]*domain.Campaign
	queues    map[string][]domain.Recipient
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		campaigns: make(map[string]*domain.Campaign),
		queues:    make(map[string][]domain.Recipient),
	}
}

func (r *fakeRepo) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *fakeRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepo) ListCampaigns(ctx context.Context, limit, offset int) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range r.campaigns {
		out = append(out, *c)
	}
	return out, nil
}

func (r *fakeRepo) UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	c, ok := r.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (r *fakeRepo) AddRecipients(ctx context.Context, campaignID string, batch []domain.Recipient) error {
	r.queues[campaignID] = append(r.queues[campaignID], batch...)
	return nil
}

func (r *fakeRepo) CampaignStats(ctx context.Context, campaignID string) (*Stats, error) {
	stats := &Stats{}
	for _, rec := range r.queues[campaignID] {
		stats.Total++
		switch rec.Status {
		case domain.RecipientPending:
			stats.Pending++
		case domain.RecipientSent:
			stats.Sent++
		case domain.RecipientSkipped:
			stats.Skipped++
		case domain.RecipientDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

func (r *fakeRepo) ErrorReport(ctx context.Context, campaignID string) ([]domain.SendError, error) {
	var errs []domain.SendError
	for _, rec := range r.queues[campaignID] {
		if rec.LastError != "" {
			errs = append(errs, domain.SendError{Email: rec.Email, Error: rec.LastError})
		}
	}
	return errs, nil
}

func (r *fakeRepo) CancelPending(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	queue := r.queues[campaignID]
	for i := range queue {
		if queue[i].Status == domain.RecipientPending {
			queue[i].Status = domain.RecipientSkipped
			n++
		}
	}
	return n, nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *ProgressStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewProgressStore(client)
	repo := newFakeRepo()
	svc := NewService(repo, store, config.SendingConfig{
		RatePerMinute: 10,
		BatchSize:     100,
		MaxRetries:    3,
	})
	return svc, repo, store
}

func draftCampaign() *domain.Campaign {
	return &domain.Campaign{
		Name:            "welcome",
		SubjectTemplate: "Hi {{ first_name }}",
		HTMLTemplate:    "<p>Hello {{ first_name }}</p>",
		FromAddr:        "Sender <sender@example.com>",
		MaxRetries:      -1, // unset; Create fills in the default
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := draftCampaign()
	err := svc.Create(context.Background(), c)
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, 10, c.RatePerMinute)
	assert.Equal(t, 100, c.BatchSize)
	assert.Equal(t, 3, c.MaxRetries)
}

func TestCreateAllowsZeroRetries(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := draftCampaign()
	c.MaxRetries = 0
	err := svc.Create(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 0, c.MaxRetries, "explicit zero retries must not be replaced by the default")
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Create(context.Background(), &domain.Campaign{Name: "no templates"})
	assert.Error(t, err)
}

func TestImportRecipients(t *testing.T) {
	svc, repo, _ := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	csvData := "email,first_name\nalice@example.com,Alice\nbob@example.com,Bob\n"
	result, err := svc.ImportRecipients(context.Background(), c.ID, strings.NewReader(csvData))
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.ImportedCount)
	assert.Len(t, repo.queues[c.ID], 2)
}

func TestImportRejectedAfterLaunch(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	csvData := "email,first_name\nalice@example.com,Alice\n"
	_, err := svc.ImportRecipients(context.Background(), c.ID, strings.NewReader(csvData))
	require.NoError(t, err)
	require.NoError(t, svc.Launch(context.Background(), c.ID))

	_, err = svc.ImportRecipients(context.Background(), c.ID, strings.NewReader(csvData))
	assert.Equal(t, ErrNotDraft, err)
}

func TestLaunchRequiresRecipients(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	err := svc.Launch(context.Background(), c.ID)
	assert.Equal(t, ErrNoRecipients, err)
}

func TestCancelSkipsPending(t *testing.T) {
	svc, repo, _ := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	csvData := "email,first_name\nalice@example.com,Alice\nbob@example.com,Bob\n"
	_, err := svc.ImportRecipients(context.Background(), c.ID, strings.NewReader(csvData))
	require.NoError(t, err)
	require.NoError(t, svc.Launch(context.Background(), c.ID))

	require.NoError(t, svc.Cancel(context.Background(), c.ID))

	got, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	for _, rec := range repo.queues[c.ID] {
		assert.Equal(t, domain.RecipientSkipped, rec.Status)
	}

	assert.Equal(t, ErrAlreadyFinished, svc.Cancel(context.Background(), c.ID))
}

func TestProgressPrefersSnapshot(t *testing.T) {
	svc, _, store := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	store.Set(context.Background(), &Progress{
		CampaignID: c.ID,
		Status:     "sending",
		Total:      100,
		Sent:       42,
		UpdatedAt:  time.Now(),
	})

	p, err := svc.Progress(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, p.Sent)
	assert.Equal(t, "sending", p.Status)
}

func TestProgressFallsBackToStats(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := draftCampaign()
	require.NoError(t, svc.Create(context.Background(), c))

	csvData := "email,first_name\nalice@example.com,Alice\n"
	_, err := svc.ImportRecipients(context.Background(), c.ID, strings.NewReader(csvData))
	require.NoError(t, err)

	p, err := svc.Progress(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)
	assert.Equal(t, string(domain.CampaignDraft), p.Status)
}

func TestGetNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}
