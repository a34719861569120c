package worker

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase   = 1.5
	backoffCapSec = 60.0
	backoffJitter = 0.2
)

// RetryBackoff returns the wait before retry number attempt (1-based):
// 1.5^(attempt-1) seconds capped at 60s, with ±20% jitter so retries from
// many recipients do not land on the relay at once.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	wait := math.Min(backoffCapSec, math.Pow(backoffBase, float64(attempt-1)))
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(wait * jitter * float64(time.Second))
}
