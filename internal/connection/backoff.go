package connection

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Reason explains a scheduling decision.
type Reason string

const (
	ReasonScheduled  Reason = "scheduled"
	ReasonDeliberate Reason = "deliberate"
	ReasonOffline    Reason = "offline"
	ReasonExhausted  Reason = "exhausted"
)

// Decision is the outcome of Scheduler.Next.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int // 1-based count of retries scheduled so far
	Reason  Reason
}

// SchedulerConfig configures the retry policy.
type SchedulerConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	JitterMax   time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithJitter replaces the random jitter source. fn receives JitterMax and
// returns a duration in [0, JitterMax).
func WithJitter(fn func(max time.Duration) time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// Scheduler decides whether and when to retry after an unintended close.
//
// Delay for attempt n (0-based) is min(base*2^n, max) plus jitter. The
// attempt counter increments before the delay is computed, so the first retry
// after a reset waits the base delay.
type Scheduler struct {
	cfg    SchedulerConfig
	curve  *backoff.Backoff
	jitter func(time.Duration) time.Duration

	mu       sync.Mutex
	attempts int
}

// NewScheduler creates a Scheduler. Zero fields take DefaultManagerConfig values.
func NewScheduler(cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	def := DefaultManagerConfig().schedulerConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}

	s := &Scheduler{
		cfg: cfg,
		curve: &backoff.Backoff{
			Min:    cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Factor: 2,
			Jitter: false,
		},
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Delay returns the wait before retry number attempt (0-based).
func (s *Scheduler) Delay(attempt int) time.Duration {
	return s.curve.ForAttempt(float64(attempt)) + s.jitter(s.cfg.JitterMax)
}

// Next records an unintended close and returns whether to retry.
func (s *Scheduler) Next(online, deliberate bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case deliberate:
		return Decision{Attempt: s.attempts, Reason: ReasonDeliberate}
	case s.attempts >= s.cfg.MaxAttempts:
		return Decision{Attempt: s.attempts, Reason: ReasonExhausted}
	case !online:
		return Decision{Attempt: s.attempts, Reason: ReasonOffline}
	}

	n := s.attempts
	s.attempts++
	return Decision{
		Retry:   true,
		Delay:   s.Delay(n),
		Attempt: s.attempts,
		Reason:  ReasonScheduled,
	}
}

// Reset zeroes the attempt counter after a successful open or an explicit connect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Suppress saturates the counter so no retry is scheduled until Reset.
func (s *Scheduler) Suppress() {
	s.mu.Lock()
	s.attempts = s.cfg.MaxAttempts
	s.mu.Unlock()
}

// Attempts returns the number of retries scheduled since the last reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Exhausted reports whether the maximum attempt count has been reached.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts >= s.cfg.MaxAttempts
}

// MaxAttempts returns the configured limit.
func (s *Scheduler) MaxAttempts() int {
	return s.cfg.MaxAttempts
}
