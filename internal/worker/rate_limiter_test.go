package worker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRateLimiter(client)
}

func TestAllowUnderLimit(t *testing.T) {
	rl := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, wait, err := rl.Allow(ctx, "c1", 5)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
		if wait != 0 {
			t.Errorf("wait = %v, want 0", wait)
		}
	}
}

func TestAllowDeniedOverLimit(t *testing.T) {
	rl := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if allowed, _, _ := rl.Allow(ctx, "c1", 3); !allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}

	allowed, wait, err := rl.Allow(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if allowed {
		t.Error("4th send in the same minute should be denied")
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want positive", wait)
	}

	if got := rl.CurrentUsage(ctx, "c1"); got != 3 {
		t.Errorf("CurrentUsage = %d, want 3", got)
	}
}

func TestAllowSeparateCampaigns(t *testing.T) {
	rl := setupLimiter(t)
	ctx := context.Background()

	if allowed, _, _ := rl.Allow(ctx, "c1", 1); !allowed {
		t.Fatal("c1 first send should be allowed")
	}
	if allowed, _, _ := rl.Allow(ctx, "c1", 1); allowed {
		t.Error("c1 second send should be denied")
	}
	if allowed, _, _ := rl.Allow(ctx, "c2", 1); !allowed {
		t.Error("c2 should have its own bucket")
	}
}

func TestAllowZeroRateUnlimited(t *testing.T) {
	rl := setupLimiter(t)
	allowed, _, err := rl.Allow(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Error("zero rate should disable limiting")
	}
}
