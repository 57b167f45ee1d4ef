package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the background sweeper.
type Config struct {
	// Interval is how often every registered task runs.
	// Default: 1 hour
	Interval time.Duration

	// TaskTimeout is the maximum time a single task run is allowed to take.
	// Its context is canceled when the timeout passes.
	// Default: 1 minute
	TaskTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for a running task to finish.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// RunOnStart runs every task once as soon as the sweeper starts.
	// Default: true
	RunOnStart bool
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		TaskTimeout:     time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RunOnStart:      true,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1 second, got %v", c.Interval)
	}
	if c.TaskTimeout < time.Second {
		return fmt.Errorf("task timeout must be at least 1 second, got %v", c.TaskTimeout)
	}
	if c.TaskTimeout > c.Interval {
		return fmt.Errorf("task timeout (%v) must not exceed interval (%v)", c.TaskTimeout, c.Interval)
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	return nil
}
