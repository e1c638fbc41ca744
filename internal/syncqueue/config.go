package syncqueue

import (
	"fmt"
	"time"
)

// Config holds the configuration for the sync queue processor.
type Config struct {
	// Concurrency is the number of mutations sent in parallel. Mutations of
	// the same draft are never sent in parallel regardless of this value.
	// Default: 2
	Concurrency int

	// PollInterval is how often the processor wakes up when nothing
	// triggers it. Retries that become due earlier wake it sooner.
	// Default: 10 seconds
	PollInterval time.Duration

	// RequestTimeout bounds a single send. A send that exceeds it is a
	// transient failure.
	// Default: 20 seconds
	RequestTimeout time.Duration

	// MaxAttempts is the number of failed attempts after which a mutation
	// becomes failed-permanent.
	// Default: 5
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt. The delay
	// doubles with every further attempt.
	// Default: 2 seconds
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	// Default: 2 minutes
	BackoffMax time.Duration

	// ShutdownTimeout is how long Stop waits for in-flight sends.
	// Default: 10 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		PollInterval:    10 * time.Second,
		RequestTimeout:  20 * time.Second,
		MaxAttempts:     5,
		BackoffBase:     2 * time.Second,
		BackoffMax:      2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("concurrency too high (max 100), got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max (%v) must not be below backoff base (%v)", c.BackoffMax, c.BackoffBase)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}

// Backoff returns the delay before the next attempt after attempt failures:
// BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return c.BackoffMax
	}
	delay := c.BackoffBase * time.Duration(1<<(attempt-1))
	if delay <= 0 || delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}
