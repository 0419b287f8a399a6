package analysis

import (
	"math"
	"slices"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
)

// RetryPolicy controls how often and how fast a provider is retried.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableCodes    []errs.Code
}

// DefaultRetryPolicy retries rate limits and transient failures three times
// with a 1s doubling backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableCodes:    []errs.Code{errs.RateLimit, errs.Connection, errs.Processing},
	}
}

// Retryable reports whether code is in the retryable set.
func (p RetryPolicy) Retryable(code errs.Code) bool {
	return slices.Contains(p.RetryableCodes, code)
}

// Delay computes the wait before the attempt after attempt (1-based). A
// provider-declared retryAfter wins over the exponential schedule. The result
// never exceeds MaxDelay when MaxDelay is set. jitter receives the upper bound
// of the jitter to add and may be nil.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if retryAfter > 0 {
		return p.capped(retryAfter)
	}

	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(raw, 0) || raw > float64(math.MaxInt64/2) {
		raw = float64(math.MaxInt64 / 2)
	}
	delay := time.Duration(raw)
	if jitter != nil {
		if j := jitter(delay / 10); j > 0 {
			delay += j
		}
	}
	return p.capped(delay)
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// FallbackPolicy lists what to try once the primary provider is exhausted.
type FallbackPolicy struct {
	Enabled           bool
	FallbackProviders []models.ProviderConfig
	SimplifiedPrompt  string
	TemplateReport    *models.ProcessedReport
}
