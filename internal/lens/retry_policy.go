package lens

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryConfig tunes the retry policy. Zero values fall back to defaults.
type RetryConfig struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	BlockedMaxAttempts int
	BlockedBackoffBase time.Duration
	BlockedBackoffMax  time.Duration
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry   bool
	Backoff time.Duration
	// Rotate asks for the context used by the failed attempt to be discarded.
	Rotate bool
	// Terminal is the status to record when Retry is false.
	Terminal JobStatus
}

// RetryPolicy maps an error kind and attempt number to a retry decision.
// It holds no state and never sleeps.
type RetryPolicy struct {
	cfg    RetryConfig
	jitter func(limit time.Duration) time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.BlockedMaxAttempts <= 0 {
		cfg.BlockedMaxAttempts = 2
	}
	if cfg.BlockedBackoffBase <= 0 {
		cfg.BlockedBackoffBase = 5 * time.Second
	}
	if cfg.BlockedBackoffMax <= 0 {
		cfg.BlockedBackoffMax = 60 * time.Second
	}
	return &RetryPolicy{cfg: cfg, jitter: randomJitter}
}

// MaxAttempts returns the largest attempt budget any kind can receive.
func (p *RetryPolicy) MaxAttempts() int {
	return max(p.cfg.MaxAttempts, p.cfg.BlockedMaxAttempts)
}

// Decide returns what to do after attempt (1-based) failed with kind.
func (p *RetryPolicy) Decide(kind ErrorKind, attempt int) Decision {
	switch kind {
	case KindNone:
		return Decision{Terminal: JobStatusSucceeded}
	case KindCancelled:
		return Decision{Terminal: JobStatusCancelled}
	case KindParseFailed, KindInternal:
		return Decision{Terminal: JobStatusFailed}
	case KindBlockedByTarget:
		if attempt >= p.cfg.BlockedMaxAttempts {
			return Decision{Rotate: true, Terminal: JobStatusFailed}
		}
		return Decision{
			Retry:   true,
			Rotate:  true,
			Backoff: p.backoff(attempt, p.cfg.BlockedBackoffBase, p.cfg.BlockedBackoffMax),
		}
	case KindTimeout, KindNavigationFailed, KindPoolExhausted:
		terminal := JobStatusFailed
		if kind == KindTimeout {
			terminal = JobStatusTimedOut
		}
		if attempt >= p.cfg.MaxAttempts {
			return Decision{Terminal: terminal}
		}
		return Decision{
			Retry:   true,
			Backoff: p.backoff(attempt, p.cfg.BackoffBase, p.cfg.BackoffMax),
		}
	default:
		return Decision{Terminal: JobStatusFailed}
	}
}

// Retryable reports whether kind is ever retried.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindNavigationFailed, KindPoolExhausted, KindBlockedByTarget:
		return true
	default:
		return false
	}
}

// backoff returns a delay in [d/2, d) where d = base*2^(attempt-1) capped at limit.
func (p *RetryPolicy) backoff(attempt int, base, limit time.Duration) time.Duration {
	delay := float64(base) * math.Pow(2, float64(max(attempt-1, 0)))
	if delay > float64(limit) {
		delay = float64(limit)
	}
	half := time.Duration(delay / 2)
	return half + p.jitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
