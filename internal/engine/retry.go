package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Retry defaults applied when an agent node carries no retry policy, or
// carries a partial one.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = "exponential"
	DefaultRetryDelay  = "1s"
)

// ResolveRetryPolicy fills in defaults for a possibly-nil or partial
// agent retry policy. The returned policy is always complete.
func ResolveRetryPolicy(policy *schema.RetryPolicy) schema.RetryPolicy {
	resolved := schema.RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Delay:       DefaultRetryDelay,
	}
	if policy == nil {
		return resolved
	}
	if policy.MaxAttempts > 0 {
		resolved.MaxAttempts = policy.MaxAttempts
	}
	if policy.Backoff != "" {
		resolved.Backoff = policy.Backoff
	}
	if policy.Delay != "" {
		resolved.Delay = policy.Delay
	}
	return resolved
}

// IsRetryableError classifies whether a node error should be retried.
// Typed EngineErrors carry their own classification: only transient node
// errors retry. For untyped errors, network failures and common transient
// patterns retry; everything else is treated as fatal so a retry never
// masks a deterministic failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (node-level timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// EngineError checks its own code.
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns in untyped errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based: the delay before the second attempt is
// ComputeBackoff(policy, 0).
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	switch policy.Backoff {
	case "linear":
		return base * time.Duration(attempt+1)
	case "constant":
		return base
	default: // exponential
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		return base * multiplier
	}
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
