// Package health runs periodic component checks (task store, dedup
// backend, SLA monitor, data directory) and publishes the results to
// /health and to Prometheus.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewChecker creates a health checker. interval <= 0 means 30s.
func NewChecker(interval time.Duration, logger *zap.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		checks:   checks,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.With(zap.String("component", "health")),
		now:      time.Now,
	}
}

// Add registers another check. Not safe once Run has started.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Run starts the health check loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes every check and records the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: c.now(),
		}
		if err := c.run(ctx, check); err != nil {
			s.Error = err.Error()
			c.logger.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.logger.Error("recovery failed", zap.String("check", check.Name), zap.Error(rerr))
				}
			}
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()

	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

func (c *Checker) run(ctx context.Context, check Check) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check.CheckFn(ctx)
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// ErrNotRunning is reported by Running checks whose component stopped.
var ErrNotRunning = errors.New("not running")

// Pinger is satisfied by the task stores and dedup backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a backend is reachable.
func Ping(name string, p Pinger) Check {
	return Check{
		Name:    name,
		CheckFn: p.Ping,
	}
}

// Running checks a background loop is alive.
func Running(name string, running func() bool) Check {
	return Check{
		Name: name,
		CheckFn: func(context.Context) error {
			if !running() {
				return fmt.Errorf("%s: %w", name, ErrNotRunning)
			}
			return nil
		},
	}
}

// DataDir checks dir exists and is a directory, recreating it when missing.
func DataDir(dir string) Check {
	return Check{
		Name: "data_dir",
		CheckFn: func(context.Context) error {
			return checkDataDir(dir)
		},
		RecoverFn: func(context.Context) error {
			return os.MkdirAll(dir, 0700)
		},
	}
}

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}
