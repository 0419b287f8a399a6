package analysis

import (
	"testing"
	"time"

	"github.com/STRATINT/digest/internal/errs"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	noJitter := func(time.Duration) time.Duration { return 0 }

	tests := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first attempt", 1, 0, 100 * time.Millisecond},
		{"second attempt", 2, 0, 200 * time.Millisecond},
		{"fourth attempt", 4, 0, 800 * time.Millisecond},
		{"capped", 5, 0, time.Second},
		{"retry after wins", 1, 300 * time.Millisecond, 300 * time.Millisecond},
		{"retry after capped", 1, time.Minute, time.Second},
		{"attempt zero treated as first", 0, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Delay(tt.attempt, tt.retryAfter, noJitter); got != tt.want {
				t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
			}
		})
	}
}

func TestRetryPolicyDelayNeverExceedsMax(t *testing.T) {
	policy := DefaultRetryPolicy()
	fullJitter := func(limit time.Duration) time.Duration { return limit }

	for attempt := 1; attempt <= 200; attempt++ {
		if got := policy.Delay(attempt, 0, fullJitter); got > policy.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, got, policy.MaxDelay)
		}
	}
	if got := policy.Delay(1, 24*time.Hour, fullJitter); got != policy.MaxDelay {
		t.Fatalf("retry-after delay %v should be capped at %v", got, policy.MaxDelay)
	}
}

func TestRetryPolicyJitterBound(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}

	var bound time.Duration
	got := policy.Delay(1, 0, func(limit time.Duration) time.Duration {
		bound = limit
		return limit
	})
	if bound != 100*time.Millisecond {
		t.Errorf("jitter bound = %v, want 10%% of the delay", bound)
	}
	if got != 1100*time.Millisecond {
		t.Errorf("delay with full jitter = %v, want 1.1s", got)
	}
}

func TestRetryPolicyMultiplierBelowOne(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 50 * time.Millisecond, BackoffMultiplier: 0.5}
	if got := policy.Delay(3, 0, nil); got != 50*time.Millisecond {
		t.Errorf("multiplier below 1 should hold the base delay, got %v", got)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	for _, code := range []errs.Code{errs.RateLimit, errs.Connection, errs.Processing} {
		if !policy.Retryable(code) {
			t.Errorf("%s should be retryable", code)
		}
	}
	for _, code := range []errs.Code{errs.Authentication, errs.QuotaExceeded, errs.Validation, errs.ResponseParsing, errs.Timeout, errs.Unsupported} {
		if policy.Retryable(code) {
			t.Errorf("%s should not be retryable", code)
		}
	}
}
