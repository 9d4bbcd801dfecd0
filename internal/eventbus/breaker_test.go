package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		WindowSize:       time.Minute,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 3,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newCircuitBreaker(testBreakerConfig())
	now := time.Now()

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow(now))
		b.RecordFailure(now)
	}
	assert.Equal(t, "closed", b.State())

	b.RecordFailure(now)
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow(now))
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b := newCircuitBreaker(testBreakerConfig())
	now := time.Now()

	for i := 0; i < 5; i++ {
		b.RecordFailure(now)
	}
	require.Equal(t, "open", b.State())

	later := now.Add(31 * time.Second)
	assert.True(t, b.Allow(later))
	assert.Equal(t, "half_open", b.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b := newCircuitBreaker(testBreakerConfig())
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.RecordFailure(now)
	}
	later := now.Add(31 * time.Second)
	require.True(t, b.Allow(later))
	require.Equal(t, "half_open", b.State())

	b.RecordSuccess(later)
	b.RecordSuccess(later)
	assert.Equal(t, "half_open", b.State())
	b.RecordSuccess(later)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newCircuitBreaker(testBreakerConfig())
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.RecordFailure(now)
	}
	later := now.Add(31 * time.Second)
	require.True(t, b.Allow(later))
	require.Equal(t, "half_open", b.State())

	b.RecordFailure(later)
	assert.Equal(t, "open", b.State())
}

func TestBreakerFailuresAgeOutOfWindow(t *testing.T) {
	b := newCircuitBreaker(testBreakerConfig())
	now := time.Now()

	for i := 0; i < 4; i++ {
		b.RecordFailure(now)
	}

	// Past the window: the earlier failures should no longer count.
	later := now.Add(2 * time.Minute)
	b.RecordFailure(later)
	assert.Equal(t, "closed", b.State())
}
