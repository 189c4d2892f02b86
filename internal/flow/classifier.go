package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"migrateiq/backend/pkg/models"
)

// Classification is the machine-usable verdict on a phase failure. The
// classifier never terminates a flow itself; the calling retry loop consumes
// Retryable and NextDelay and decides.
type Classification struct {
	Class        models.ErrorClass
	Retryable    bool
	RecoveryHint string
	NextDelay    time.Duration
}

// Classify maps a phase failure into the transient/fatal taxonomy. attempt
// is the 1-based count of failures for the current phase including this one;
// once it exceeds the policy's max attempts the verdict turns fatal even for
// otherwise transient conditions.
func Classify(err error, policy models.RetryPolicy, attempt int) Classification {
	if err == nil {
		return Classification{Class: models.ErrorClassTransient, Retryable: false, RecoveryHint: "no error"}
	}

	// Configuration, validation and consistency failures are never retried.
	if IsConfiguration(err) || IsConsistency(err) {
		return Classification{
			Class:        models.ErrorClassFatal,
			RecoveryHint: "halt and alert: operator intervention required",
		}
	}
	if IsValidation(err) {
		return Classification{
			Class:        models.ErrorClassFatal,
			RecoveryHint: "correct the request and resubmit",
		}
	}

	if !isTransientCondition(err) {
		return Classification{
			Class:        models.ErrorClassFatal,
			RecoveryHint: "business rule or data integrity violation",
		}
	}

	if attempt > policy.MaxAttempts {
		return Classification{
			Class:        models.ErrorClassFatal,
			RecoveryHint: fmt.Sprintf("retry budget of %d attempts exhausted", policy.MaxAttempts),
		}
	}

	delay := nextBackoff(policy, attempt)
	return Classification{
		Class:        models.ErrorClassTransient,
		Retryable:    true,
		RecoveryHint: fmt.Sprintf("retry with exponential backoff after %s", delay),
		NextDelay:    delay,
	}
}

// isTransientCondition recognises timeouts, contention and upstream-service
// unavailability. Anything unrecognised is treated as fatal: guessing
// retryable on an unknown failure risks duplicated side effects.
func isTransientCondition(err error) bool {
	if IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"deadlock",
		"lock contention",
		"could not obtain lock",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"service unavailable",
		"too many connections",
		"status code 502",
		"status code 503",
		"status code 504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// nextBackoff computes the delay hint for the given attempt from the phase's
// retry policy.
func nextBackoff(policy models.RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.BackoffMultiplier > 0 {
		b.Multiplier = policy.BackoffMultiplier
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
