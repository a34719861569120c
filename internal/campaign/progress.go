package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressTTL = 24 * time.Hour

// Progress is a point-in-time snapshot of a campaign's delivery, kept in
// Redis so status polls avoid hitting the queue tables.
type Progress struct {
	CampaignID string    `json:"campaign_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Rate       float64   `json:"rate"` // sends per second
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressStore caches progress snapshots in Redis.
type ProgressStore struct {
	redis *redis.Client
}

// NewProgressStore wraps a Redis client.
func NewProgressStore(client *redis.Client) *ProgressStore {
	return &ProgressStore{redis: client}
}

// Set stores a snapshot. Failures are swallowed; progress is advisory and
// the repository remains the source of truth.
func (s *ProgressStore) Set(ctx context.Context, p *Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.redis.Set(ctx, progressKey(p.CampaignID), data, progressTTL)
}

// Get returns the cached snapshot, if any.
func (s *ProgressStore) Get(ctx context.Context, campaignID string) (*Progress, bool) {
	data, err := s.redis.Get(ctx, progressKey(campaignID)).Bytes()
	if err != nil {
		return nil, false
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func progressKey(campaignID string) string {
	return fmt.Sprintf("campaign:progress:%s", campaignID)
}
