package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config bounds a readiness wait
type Config struct {
	// Interval is the delay between attempts
	Interval time.Duration

	// Retries is the number of attempts before giving up
	Retries int
}

// DefaultConfig returns the readiness budget used for freshly spawned workers
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Retries:  10,
	}
}

// Status tracks consecutive outcomes of a checker
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a new Status; nothing is healthy until proven so
func NewStatus() *Status {
	return &Status{}
}

// Update records a new result
func (s *Status) Update(result Result) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		s.Healthy = false
	}
}

// WaitHealthy runs c until it reports healthy or the retry budget is spent.
// The returned Status carries the attempt count and the last result.
func WaitHealthy(ctx context.Context, c Checker, cfg Config) (*Status, error) {
	status := NewStatus()
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		status.Update(c.Check(ctx))
		if status.Healthy {
			return status, nil
		}
		if attempt == cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return status, fmt.Errorf("%s check not healthy after %d attempts: %s",
		c.Type(), status.ConsecutiveFailures, status.LastResult.Message)
}
