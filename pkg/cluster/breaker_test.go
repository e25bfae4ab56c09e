package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
)

var errPublish = errors.New("broker unreachable")

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func newTestBreaker(opts BreakerOptions) *Breaker {
	return NewBreaker(testLogger(), nil, opts)
}

func failingCall() error { return errPublish }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 5, ResetTimeout: time.Hour})

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(failingCall), errPublish)
		assert.Equal(t, BreakerClosed, b.State())
	}

	require.ErrorIs(t, b.Execute(failingCall), errPublish)
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 5, b.ConsecutiveFailures())
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 1, ResetTimeout: time.Hour})
	require.Error(t, b.Execute(failingCall))
	require.Equal(t, BreakerOpen, b.State())

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
	assert.False(t, invoked, "the wrapped call must not run while open")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 3, ResetTimeout: time.Hour})

	require.Error(t, b.Execute(failingCall))
	require.Error(t, b.Execute(failingCall))
	require.NoError(t, b.Execute(func() error { return nil }))

	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 1, ResetTimeout: 10 * time.Millisecond})
	require.Error(t, b.Execute(failingCall))
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 5, ResetTimeout: 10 * time.Millisecond})
	for i := 0; i < 5; i++ {
		require.Error(t, b.Execute(failingCall))
	}
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// A single failed trial reopens immediately, without needing a full
	// failure streak.
	require.ErrorIs(t, b.Execute(failingCall), errPublish)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerAllowsOneTrialAtATime(t *testing.T) {
	b := newTestBreaker(BreakerOptions{Threshold: 1, ResetTimeout: 10 * time.Millisecond})
	require.Error(t, b.Execute(failingCall))

	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrBreakerOpen, "second call during the trial is rejected")
	close(release)
}
