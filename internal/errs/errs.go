// Package errs defines the flat error taxonomy shared by source collection and
// AI report processing. Retry and fallback decisions are driven by Code only.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is the closed set of normalized failure kinds.
type Code string

const (
	Authentication  Code = "authentication"
	RateLimit       Code = "rate_limit"
	QuotaExceeded   Code = "quota_exceeded"
	Connection      Code = "connection"
	Processing      Code = "processing"
	ResponseParsing Code = "response_parsing"
	Validation      Code = "validation"
	Timeout         Code = "timeout"
	Unsupported     Code = "unsupported"
)

// Codes lists every code in declaration order.
func Codes() []Code {
	return []Code{Authentication, RateLimit, QuotaExceeded, Connection, Processing, ResponseParsing, Validation, Timeout, Unsupported}
}

// Error is a normalized, tagged error. Provider is set for AI provider failures
// and Source for collection failures.
type Error struct {
	Code       Code
	Provider   string
	Source     string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Provider != "" {
		b.WriteString(" [provider=")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Source != "" {
		b.WriteString(" [source=")
		b.WriteString(e.Source)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %v)", e.RetryAfter)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code, so errors.Is(err, &errs.Error{Code: errs.Timeout}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Provider == "" && t.Source == "" && t.Message == ""
}

// New builds an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error carrying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithProvider returns a copy tagged with the provider name.
func (e *Error) WithProvider(provider string) *Error {
	out := *e
	out.Provider = provider
	return &out
}

// WithSource returns a copy tagged with the source name.
func (e *Error) WithSource(source string) *Error {
	out := *e
	out.Source = source
	return &out
}

// CodeOf returns the code of a tagged error anywhere in the chain, or "" if none.
func CodeOf(err error) Code {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Classify normalizes any error into the taxonomy. Typed errors pass through
// unchanged; context errors map to Timeout; everything else falls back to
// substring matching on the message, with Processing as the default.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, err, "%s", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(Connection, err, "%s", err.Error())
	}

	msg := strings.ToLower(err.Error())
	code := Processing
	switch {
	case containsAny(msg, "authentication", "unauthorized", "invalid api key", "invalid x-api-key"):
		code = Authentication
	case containsAny(msg, "rate limit", "rate_limit", "too many requests"):
		code = RateLimit
	case containsAny(msg, "quota", "insufficient_quota", "billing"):
		code = QuotaExceeded
	case containsAny(msg, "connection", "timeout", "timed out", "no such host"):
		code = Connection
	}
	return Wrap(code, err, "%s", err.Error())
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
