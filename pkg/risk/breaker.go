package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/metrics"
)

// BreakerState is the circuit breaker's two-state machine.
type BreakerState string

const (
	StateNormal  BreakerState = "NORMAL"
	StateTripped BreakerState = "TRIPPED"
)

// BreakerSnapshot is the breaker's view in a shard heartbeat.
type BreakerSnapshot struct {
	State             BreakerState    `json:"state"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	DailyLoss         decimal.Decimal `json:"daily_loss"`
	TotalPosition     decimal.Decimal `json:"total_position"`
	CooldownUntil     time.Time       `json:"cooldown_until,omitempty"`
}

// CircuitBreaker guards one shard's signal emission. Errors and losses trip
// it; a trip blocks new signals (including the arb fast path) until
// cooldown_until passes. Exits are never routed through the breaker, so
// positions can always be unwound.
type CircuitBreaker struct {
	shardID string
	cfg     config.RiskConfig
	met     *metrics.EngineMetrics
	log     *zap.Logger

	mu                sync.Mutex
	state             BreakerState
	consecutiveErrors int
	dailyLoss         decimal.Decimal
	marketPosition    map[string]decimal.Decimal
	totalPosition     decimal.Decimal
	cooldownUntil     time.Time
}

// NewCircuitBreaker builds a breaker in NORMAL state.
func NewCircuitBreaker(shardID string, cfg config.RiskConfig, met *metrics.EngineMetrics, log *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		shardID:        shardID,
		cfg:            cfg,
		met:            met,
		log:            log.Named("breaker").With(zap.String("shard", shardID)),
		state:          StateNormal,
		marketPosition: make(map[string]decimal.Decimal),
	}
}

// Allow reports whether new signal emission is permitted right now. A tripped
// breaker whose cooldown has elapsed resets to NORMAL first.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateTripped {
		if now.Before(b.cooldownUntil) {
			return false
		}
		b.reset()
	}
	return true
}

// AllowOrder additionally checks the proposed size against position limits.
// Breaching a limit refuses the order without tripping; limits bound size,
// they are not error conditions.
func (b *CircuitBreaker) AllowOrder(marketID string, sizeUSD decimal.Decimal, now time.Time) bool {
	if !b.Allow(now) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.MaxMarketPosition > 0 {
		next := b.marketPosition[marketID].Add(sizeUSD)
		if next.GreaterThan(decimal.NewFromFloat(b.cfg.MaxMarketPosition)) {
			return false
		}
	}
	if b.cfg.MaxTotalPosition > 0 {
		next := b.totalPosition.Add(sizeUSD)
		if next.GreaterThan(decimal.NewFromFloat(b.cfg.MaxTotalPosition)) {
			return false
		}
	}
	return true
}

// RecordError counts a consecutive failure; hitting the limit trips.
func (b *CircuitBreaker) RecordError(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	if b.cfg.BreakerMaxErrors > 0 && b.consecutiveErrors >= b.cfg.BreakerMaxErrors {
		b.trip(now, "consecutive errors")
	}
}

// RecordSuccess clears the consecutive error count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
}

// RecordFill adds a filled order's size to the position ledgers.
func (b *CircuitBreaker) RecordFill(marketID string, sizeUSD decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketPosition[marketID] = b.marketPosition[marketID].Add(sizeUSD)
	b.totalPosition = b.totalPosition.Add(sizeUSD)
}

// RecordClose releases position and applies realized P&L; a loss past the
// breaker limit trips.
func (b *CircuitBreaker) RecordClose(marketID string, sizeUSD, pnl decimal.Decimal, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.marketPosition[marketID] = b.marketPosition[marketID].Sub(sizeUSD)
	if b.marketPosition[marketID].LessThanOrEqual(decimal.Zero) {
		delete(b.marketPosition, marketID)
	}
	b.totalPosition = b.totalPosition.Sub(sizeUSD)
	if b.totalPosition.IsNegative() {
		b.totalPosition = decimal.Zero
	}

	if pnl.IsNegative() {
		b.dailyLoss = b.dailyLoss.Add(pnl.Neg())
		if b.cfg.BreakerMaxLoss > 0 &&
			b.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(b.cfg.BreakerMaxLoss)) {
			b.trip(now, "daily loss")
		}
	}
}

// State returns the current state, applying cooldown expiry.
func (b *CircuitBreaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTripped && !now.Before(b.cooldownUntil) {
		b.reset()
	}
	return b.state
}

// Snapshot returns the heartbeat view.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:             b.state,
		ConsecutiveErrors: b.consecutiveErrors,
		DailyLoss:         b.dailyLoss,
		TotalPosition:     b.totalPosition,
		CooldownUntil:     b.cooldownUntil,
	}
}

// trip moves to TRIPPED and sets the cooldown. Callers hold b.mu.
func (b *CircuitBreaker) trip(now time.Time, cause string) {
	if b.state == StateTripped {
		return
	}
	cooldown := b.cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	b.state = StateTripped
	b.cooldownUntil = now.Add(cooldown)
	b.met.BreakerTripped.WithLabelValues(b.shardID).Set(1)
	b.log.Warn("circuit breaker tripped",
		zap.String("cause", cause),
		zap.Time("cooldown_until", b.cooldownUntil))
}

// reset returns to NORMAL. Callers hold b.mu.
func (b *CircuitBreaker) reset() {
	b.state = StateNormal
	b.consecutiveErrors = 0
	b.cooldownUntil = time.Time{}
	b.met.BreakerTripped.WithLabelValues(b.shardID).Set(0)
	b.log.Info("circuit breaker reset")
}
