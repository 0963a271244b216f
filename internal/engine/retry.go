package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassFatal errors must not be retried: repeating them is a
	// guaranteed failure and can trip the vendor's own lockouts.
	ClassFatal Class = iota
	// ClassRetryable errors are transient and worth another attempt.
	ClassRetryable
)

// RetryPolicy decides whether an error is retryable and computes backoff
// delays. It is stateless and side-effect-free, so one value can be shared
// across all concurrently executing offices without locking.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (including the first
	// try). A value of 1 means no retries. Default: 5.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff duration. Default: 32s.
	MaxDelay time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed
	// delay (0.25 = ±25%). Jitter keeps many offices retrying at once
	// from synchronizing into a retry storm. Default: 0.25.
	JitterFraction float64
}

// DefaultRetryPolicy returns the retry policy used against the OpenDental
// query endpoint.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialDelay:   1 * time.Second,
		MaxDelay:       32 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Classify maps an error to its retry class. Credential and validation
// failures are fatal; transport failures, timeouts and 5xx-equivalents are
// retryable. Untagged errors fall back to network-level heuristics and
// default to fatal.
func (p RetryPolicy) Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	switch model.KindOf(err) {
	case model.ErrKindCredential, model.ErrKindValidation:
		return ClassFatal
	case model.ErrKindTransport, model.ErrKindTimeout:
		return ClassRetryable
	case model.ErrKindCancelled:
		return ClassFatal
	}

	// Cancellation is never retried.
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return ClassRetryable
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, pattern) {
			return ClassRetryable
		}
	}

	return ClassFatal
}

// NextDelay returns the jittered backoff delay before retry number
// attempt (0-based: attempt 0 is the delay after the first failure).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
