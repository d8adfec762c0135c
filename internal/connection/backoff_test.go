package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestScheduler_DelayCurve(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 10,
	}, WithJitter(noJitter))

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, s.Delay(attempt), "attempt %d", attempt)
	}
}

func TestScheduler_JitterAddedOnTop(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		MaxAttempts: 3,
		JitterMax:   time.Second,
	}, WithJitter(func(max time.Duration) time.Duration {
		return max / 4
	}))

	assert.Equal(t, 1250*time.Millisecond, s.Delay(0))
	assert.Equal(t, 1250*time.Millisecond, s.Delay(5), "cap applies before jitter")
}

func TestScheduler_RandomJitterBounded(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 3,
		JitterMax:   time.Second,
	})

	for i := 0; i < 200; i++ {
		d := s.Delay(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 1100*time.Millisecond)
	}
}

func TestScheduler_FirstRetryUsesBaseDelay(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    time.Minute,
		MaxAttempts: 3,
	}, WithJitter(noJitter))

	d := s.Next(true, false)
	assert.True(t, d.Retry)
	assert.Equal(t, 500*time.Millisecond, d.Delay)
	assert.Equal(t, 1, d.Attempt)

	d = s.Next(true, false)
	assert.Equal(t, time.Second, d.Delay)
	assert.Equal(t, 2, d.Attempt)
}

func TestScheduler_StopsAtMaxAttempts(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MaxAttempts: 2}, WithJitter(noJitter))

	assert.True(t, s.Next(true, false).Retry)
	assert.True(t, s.Next(true, false).Retry)

	d := s.Next(true, false)
	assert.False(t, d.Retry)
	assert.Equal(t, ReasonExhausted, d.Reason)
	assert.True(t, s.Exhausted())

	s.Reset()
	assert.Zero(t, s.Attempts())
	assert.True(t, s.Next(true, false).Retry)
}

func TestScheduler_Gates(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MaxAttempts: 3}, WithJitter(noJitter))

	d := s.Next(false, false)
	assert.False(t, d.Retry)
	assert.Equal(t, ReasonOffline, d.Reason)
	assert.Zero(t, s.Attempts(), "offline does not consume an attempt")

	d = s.Next(true, true)
	assert.False(t, d.Retry)
	assert.Equal(t, ReasonDeliberate, d.Reason)
	assert.Zero(t, s.Attempts())
}

func TestScheduler_Suppress(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MaxAttempts: 4}, WithJitter(noJitter))
	s.Suppress()

	assert.Equal(t, 4, s.Attempts())
	assert.False(t, s.Next(true, false).Retry)
}

func TestScheduler_Defaults(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, WithJitter(noJitter))
	def := DefaultManagerConfig()

	assert.Equal(t, def.MaxReconnectAttempts, s.MaxAttempts())
	assert.Equal(t, def.ReconnectBaseDelay, s.Delay(0))
}
