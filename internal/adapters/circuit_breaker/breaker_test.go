package circuit_breaker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(config Config) *Breaker {
	return New("test", config, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(Config{FailureThreshold: 3, RetryInterval: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := testBreaker(Config{FailureThreshold: 2, RetryInterval: time.Minute})

	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeClosesOnSuccesses(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		HalfOpenRequests: 1,
		RetryInterval:    10 * time.Millisecond,
	})

	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "half-open caps in-flight probes")

	b.RecordSuccess()
	require.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(Config{FailureThreshold: 1, RetryInterval: 10 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestProviderSharesBreakerPerName(t *testing.T) {
	p := NewProvider(Config{FailureThreshold: 1, RetryInterval: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first := p.For("http://worker-a/run")
	require.Same(t, first, p.For("http://worker-a/run"))
	require.NotSame(t, first, p.For("http://worker-b/run"))

	require.True(t, first.Allow())
	first.RecordFailure()
	assert.False(t, p.For("http://worker-a/run").Allow())
	assert.True(t, p.For("http://worker-b/run").Allow())

	metrics := p.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, StateOpen, metrics["http://worker-a/run"].State)
}
