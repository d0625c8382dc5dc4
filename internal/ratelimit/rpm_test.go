package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	limiter := New(3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("caller"), "request %d", i+1)
	}
	assert.False(t, limiter.Allow("caller"))
}

func TestCallersAreIndependent(t *testing.T) {
	limiter := New(1)

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
	assert.False(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("b"))
}

func TestDisabledLimiter(t *testing.T) {
	for _, limiter := range []*RPMLimiter{New(0), New(-5), nil} {
		for i := 0; i < 100; i++ {
			assert.True(t, limiter.Allow("caller"))
		}
		assert.Equal(t, 0, limiter.Current("caller"))
	}
}

func TestCurrent(t *testing.T) {
	limiter := New(10)

	assert.Equal(t, 0, limiter.Current("caller"))
	limiter.Allow("caller")
	limiter.Allow("caller")
	assert.Equal(t, 2, limiter.Current("caller"))
	assert.Equal(t, 0, limiter.Current("other"))
}

func TestRejectedRequestNotCounted(t *testing.T) {
	limiter := New(1)

	limiter.Allow("caller")
	limiter.Allow("caller")
	limiter.Allow("caller")

	assert.Equal(t, 1, limiter.Current("caller"), "rejected requests do not extend the window")
}
