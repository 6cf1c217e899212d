package engine

import (
	"math/rand"
	"time"

	"github.com/ralphtui/ralph/internal/bus"
	ierr "github.com/ralphtui/ralph/internal/errors"
)

// Classify maps a failed tick's error to the loop's recommended action.
// Transient failures retry, blocked dependencies skip, configuration and
// environment failures abort. Unclassified errors default to retry so a
// glitchy backend does not kill a long run.
func Classify(err error) bus.Action {
	switch ierr.KindOf(err) {
	case ierr.KindTransient:
		return bus.ActionRetry
	case ierr.KindBlocked:
		return bus.ActionSkip
	case ierr.KindConfig, ierr.KindNotReady:
		return bus.ActionAbort
	default:
		return bus.ActionRetry
	}
}

// RetryConfig bounds the per-task retry policy.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Backoff computes the delay for a 1-based retry attempt:
// min(initial * 2^(attempt-1), cap).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// withJitter spreads sleeps by up to 10% so retries from parallel sessions
// do not align.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}
