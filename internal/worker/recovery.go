package worker

import (
	"context"
	"log"
	"time"
)

const (
	recoveryInterval = time.Minute
	stuckClaimAge    = 5 * time.Minute
)

// recoveryLoop periodically requeues recipients whose claims went stale,
// usually because a worker died between claiming and marking.
func (p *Pool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.queue.RequeueStuck(ctx, stuckClaimAge)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Worker] Queue recovery: %v", err)
			}
			continue
		}
		if n > 0 {
			log.Printf("[Worker] Recovered %d stuck claims", n)
		}
	}
}
