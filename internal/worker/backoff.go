package worker

import (
	"math/rand"
	"time"

	"github.com/shaiso/Kontur/internal/domain"
)

// Default retry values.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Backoff вычисляет задержку перед повтором:
//
//	delay = min(base * 2^attempt, max) * (0.5 + rand())
//
// Джиттер разносит повторы одновременно упавших задач, чтобы они
// не ударили по внешней системе одной волной.
func Backoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	base := defaultBaseDelay
	max := defaultMaxDelay
	if policy != nil {
		if policy.BaseDelayMs > 0 {
			base = time.Duration(policy.BaseDelayMs) * time.Millisecond
		}
		if policy.MaxDelayMs > 0 {
			max = time.Duration(policy.MaxDelayMs) * time.Millisecond
		}
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			delay = max
			break
		}
	}

	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}
