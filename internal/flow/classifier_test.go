package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"migrateiq/backend/pkg/models"
)

var testPolicy = models.RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    2 * time.Second,
	BackoffMultiplier: 2.0,
	MaxBackoff:        5 * time.Minute,
}

func TestClassifyTransientConditions(t *testing.T) {
	transient := []error{
		errors.New("dial tcp: connection refused"),
		errors.New("statement timeout"),
		errors.New("deadlock detected"),
		errors.New("phase data_import execution failed: status code 503"),
		errors.New("resource temporarily unavailable"),
		&TransientError{Op: "fetch inventory", Err: errors.New("broken pipe")},
	}
	for _, err := range transient {
		cls := Classify(err, testPolicy, 1)
		assert.Equal(t, models.ErrorClassTransient, cls.Class, "error: %v", err)
		assert.True(t, cls.Retryable, "error: %v", err)
		assert.Positive(t, cls.NextDelay, "error: %v", err)
	}
}

func TestClassifyFatalConditions(t *testing.T) {
	fatal := []error{
		errors.New("duplicate key violates unique constraint"),
		errors.New("asset type not recognised"),
		&ValidationError{Reason: "backward transition requires force"},
		&ConfigurationError{Detail: "unknown flow type"},
		&ConsistencyError{FlowID: "f1", Detail: "two open entries"},
	}
	for _, err := range fatal {
		cls := Classify(err, testPolicy, 1)
		assert.Equal(t, models.ErrorClassFatal, cls.Class, "error: %v", err)
		assert.False(t, cls.Retryable, "error: %v", err)
		assert.NotEmpty(t, cls.RecoveryHint, "error: %v", err)
	}
}

func TestClassifyBackoffProgression(t *testing.T) {
	err := errors.New("upstream timed out")

	delays := make([]time.Duration, 0, testPolicy.MaxAttempts)
	for attempt := 1; attempt <= testPolicy.MaxAttempts; attempt++ {
		cls := Classify(err, testPolicy, attempt)
		assert.True(t, cls.Retryable, "attempt %d", attempt)
		delays = append(delays, cls.NextDelay)
	}

	assert.Equal(t, 2*time.Second, delays[0])
	assert.Equal(t, 4*time.Second, delays[1])
	assert.Equal(t, 8*time.Second, delays[2])
}

func TestClassifyBudgetExhaustionTurnsFatal(t *testing.T) {
	err := errors.New("upstream timed out")

	// Attempts within budget stay transient.
	for attempt := 1; attempt <= testPolicy.MaxAttempts; attempt++ {
		cls := Classify(err, testPolicy, attempt)
		assert.Equal(t, models.ErrorClassTransient, cls.Class, "attempt %d", attempt)
	}

	// The attempt past the budget is fatal even for a transient condition.
	cls := Classify(err, testPolicy, testPolicy.MaxAttempts+1)
	assert.Equal(t, models.ErrorClassFatal, cls.Class)
	assert.False(t, cls.Retryable)
	assert.Contains(t, cls.RecoveryHint, "exhausted")
}

func TestClassifyDelayCappedAtMaxBackoff(t *testing.T) {
	policy := models.RetryPolicy{
		MaxAttempts:       10,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
	cls := Classify(errors.New("lock contention"), policy, 8)
	assert.True(t, cls.Retryable)
	assert.LessOrEqual(t, cls.NextDelay, 10*time.Second)
}

func TestClassifyNilError(t *testing.T) {
	cls := Classify(nil, testPolicy, 1)
	assert.False(t, cls.Retryable)
}
