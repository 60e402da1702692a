package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayLinearPolicy(t *testing.T) {
	p := DefaultModelRetryPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 500*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
}

func TestDelayNeverExceedsMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 20, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 3.0}
	for attempt := 2; attempt <= 20; attempt++ {
		assert.LessOrEqual(t, p.Delay(attempt), 5*time.Second, "attempt %d", attempt)
	}
}

func TestRetryableModelError(t *testing.T) {
	assert.False(t, RetryableModelError(nil))
	assert.False(t, RetryableModelError(fmt.Errorf("call: %w", context.Canceled)))
	assert.True(t, RetryableModelError(errors.New("upstream status 500")))
	assert.True(t, RetryableModelError(fmt.Errorf("parse: %w", ErrModelOutput)))
}
