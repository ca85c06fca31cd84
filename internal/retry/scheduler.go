package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid retry config")

// Config configures exponential backoff for failed records.
type Config struct {
	// BaseDelay is the delay unit; the n-th retry waits BaseDelay * 2^n.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter.
	// Default: 5m
	MaxDelay time.Duration

	// MaxAttempts is the number of attempts after which a record that keeps
	// failing with retryable errors is dead-lettered.
	// Default: 8
	MaxAttempts int

	// JitterFactor bounds the random jitter as a fraction of the delay (0-1).
	// Default: 0.2
	JitterFactor float64
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    1 * time.Second,
		MaxDelay:     5 * time.Minute,
		MaxAttempts:  8,
		JitterFactor: 0.2,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: base delay must be positive", ErrInvalidConfig)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max delay must be >= base delay", ErrInvalidConfig)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor must be within [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// Scheduler computes when a failed record should next be attempted.
//
// Thread-safety: Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg Config

	mu  sync.Mutex
	rnd func() float64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRandom replaces the jitter source. fn must return values in [0, 1).
// Tests pass a constant to make delays exact.
func WithRandom(fn func() float64) Option {
	return func(s *Scheduler) {
		s.rnd = fn
	}
}

// NewScheduler creates a scheduler for cfg.
func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg: cfg,
		rnd: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// MaxAttempts returns the retry ceiling.
func (s *Scheduler) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// ShouldRetry reports whether a record that has been attempted attempts
// times may be retried after a retryable failure.
func (s *Scheduler) ShouldRetry(attempts int) bool {
	return attempts < s.cfg.MaxAttempts
}

// Backoff returns min(BaseDelay * 2^attempts, MaxDelay) without jitter.
func (s *Scheduler) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := s.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay || delay <= 0 {
			return s.cfg.MaxDelay
		}
	}
	return min(delay, s.cfg.MaxDelay)
}

// Delay returns the backoff for attempts plus jitter in
// [0, JitterFactor * backoff).
func (s *Scheduler) Delay(attempts int) time.Duration {
	base := s.Backoff(attempts)
	if s.cfg.JitterFactor <= 0 {
		return base
	}
	s.mu.Lock()
	r := s.rnd()
	s.mu.Unlock()
	return base + time.Duration(float64(base)*s.cfg.JitterFactor*r)
}

// NextAttempt returns the time at which a record failed at now after
// attempts attempts becomes due again. A remote-requested retryAfter larger
// than the computed delay wins.
func (s *Scheduler) NextAttempt(now time.Time, attempts int, retryAfter time.Duration) time.Time {
	delay := s.Delay(attempts)
	if retryAfter > delay {
		delay = retryAfter
	}
	return now.Add(delay).Truncate(time.Millisecond)
}
