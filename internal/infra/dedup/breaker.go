package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────
//
//   CLOSED    → FailureThreshold consecutive errors → OPEN
//   OPEN      → after ResetTimeout                  → HALF_OPEN
//   HALF_OPEN → HalfOpenMax successes → CLOSED, any failure → OPEN

// ErrCircuitOpen is returned while the backing store is considered down.
var ErrCircuitOpen = errors.New("dedup circuit open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a Guard.
type BreakerConfig struct {
	FailureThreshold int           // errors to trip (default 5)
	ResetTimeout     time.Duration // time in OPEN before probing (default 30s)
	HalfOpenMax      int           // successful probes to close (default 3)
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      3,
	}
}

// Guard wraps a Deduper so that a failing backend rejects claims immediately
// instead of stalling every ingestion on network timeouts.
type Guard struct {
	inner  domain.Deduper
	cfg    BreakerConfig
	logger *zap.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	trippedAt time.Time
	trips     int
	now       func() time.Time
}

// NewGuard wraps inner. Zero config fields take defaults.
func NewGuard(inner domain.Deduper, cfg BreakerConfig, logger *zap.Logger) *Guard {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dedup_breaker")),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Claim implements domain.Deduper.
func (g *Guard) Claim(ctx context.Context, pipelineID, externalID, taskID string) (bool, string, error) {
	if err := g.allow(); err != nil {
		return false, "", err
	}
	ok, existing, err := g.inner.Claim(ctx, pipelineID, externalID, taskID)
	g.record(err)
	return ok, existing, err
}

// Release implements domain.Deduper.
func (g *Guard) Release(ctx context.Context, pipelineID, externalID string) error {
	if err := g.allow(); err != nil {
		return err
	}
	err := g.inner.Release(ctx, pipelineID, externalID)
	g.record(err)
	return err
}

// Ping bypasses the breaker so health checks see the backend directly.
func (g *Guard) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

// State returns the current state, moving OPEN to HALF_OPEN once the reset
// timeout has passed.
func (g *Guard) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probeLocked()
	return g.state
}

// Trips returns how many times the breaker has opened.
func (g *Guard) Trips() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trips
}

// Reset forces the breaker closed.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = BreakerClosed
	g.failures = 0
	g.successes = 0
}

func (g *Guard) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probeLocked()
	if g.state == BreakerOpen {
		return fmt.Errorf("%w (retry after %s)", ErrCircuitOpen,
			g.trippedAt.Add(g.cfg.ResetTimeout).Sub(g.now()).Round(time.Second))
	}
	return nil
}

func (g *Guard) probeLocked() {
	if g.state == BreakerOpen && g.now().Sub(g.trippedAt) >= g.cfg.ResetTimeout {
		g.state = BreakerHalfOpen
		g.successes = 0
	}
}

// record feeds one call outcome into the breaker. Caller cancellation is not
// a backend failure.
func (g *Guard) record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		switch g.state {
		case BreakerHalfOpen:
			g.successes++
			if g.successes >= g.cfg.HalfOpenMax {
				g.state = BreakerClosed
				g.failures = 0
				g.successes = 0
				g.logger.Info("dedup backend recovered")
			}
		case BreakerClosed:
			g.failures = 0
		}
		return
	}

	switch g.state {
	case BreakerClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.tripLocked(err)
		}
	case BreakerHalfOpen:
		g.tripLocked(err)
	}
}

func (g *Guard) tripLocked(err error) {
	g.state = BreakerOpen
	g.trippedAt = g.now()
	g.trips++
	g.logger.Warn("dedup backend failing, circuit open",
		zap.Int("failures", g.failures),
		zap.Duration("reset_timeout", g.cfg.ResetTimeout),
		zap.Error(err),
	)
}
