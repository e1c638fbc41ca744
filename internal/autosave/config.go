package autosave

import (
	"fmt"
	"time"
)

// Config holds the configuration for the autosave controller.
type Config struct {
	// Debounce is how long field changes must pause before a save fires.
	// Default: 400 milliseconds
	Debounce time.Duration

	// MaxWait bounds how long continuous typing can postpone a save.
	// Default: 5 seconds
	MaxWait time.Duration

	// SaveTimeout bounds a direct save. A save that exceeds it is recorded
	// locally and left to the sync queue.
	// Default: 20 seconds
	SaveTimeout time.Duration

	// EventBuffer is the capacity of the event channel. Events published
	// while it is full are dropped.
	// Default: 64
	EventBuffer int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Debounce:    400 * time.Millisecond,
		MaxWait:     5 * time.Second,
		SaveTimeout: 20 * time.Second,
		EventBuffer: 64,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %v", c.Debounce)
	}
	if c.MaxWait < c.Debounce {
		return fmt.Errorf("max wait (%v) must not be below debounce (%v)", c.MaxWait, c.Debounce)
	}
	if c.SaveTimeout <= 0 {
		return fmt.Errorf("save timeout must be positive, got %v", c.SaveTimeout)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event buffer must not be negative, got %d", c.EventBuffer)
	}
	return nil
}
