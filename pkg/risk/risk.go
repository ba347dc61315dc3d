// Package risk enforces the hard limits consulted before every trade: the
// RiskController's exposure and loss limits, and the per-shard CircuitBreaker.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
)

// Reason is the closed enum of refusal causes.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonDailyLoss     Reason = "daily_loss_limit"
	ReasonGameExposure  Reason = "game_exposure_limit"
	ReasonSportExposure Reason = "sport_exposure_limit"
	ReasonStaleSignal   Reason = "signal_latency"
)

// Verdict is the controller's answer for one proposed trade.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

func allow() Verdict          { return Verdict{Allowed: true} }
func refuse(r Reason) Verdict { return Verdict{Reason: r} }

// Controller tracks live exposure and daily P&L and refuses trades breaching
// the configured limits. The signal processor consults it synchronously; the
// position tracker reports fills and closes.
type Controller struct {
	cfg config.RiskConfig
	met *metrics.EngineMetrics
	log *zap.Logger

	mu            sync.Mutex
	dailyPnL      decimal.Decimal
	dailyDate     string
	gameExposure  map[string]decimal.Decimal
	sportExposure map[feed.Sport]decimal.Decimal
}

// NewController builds a controller with zero exposure.
func NewController(cfg config.RiskConfig, met *metrics.EngineMetrics, log *zap.Logger) *Controller {
	return &Controller{
		cfg:           cfg,
		met:           met,
		log:           log.Named("risk"),
		gameExposure:  make(map[string]decimal.Decimal),
		sportExposure: make(map[feed.Sport]decimal.Decimal),
	}
}

// Check evaluates a proposed trade of sizeUSD for the signal.
func (c *Controller) Check(sig *market.Signal, sizeUSD decimal.Decimal, now time.Time) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(now)

	if c.cfg.MaxSignalLatency > 0 && now.Sub(sig.CreatedAt) > c.cfg.MaxSignalLatency {
		return c.refused(ReasonStaleSignal)
	}
	if c.cfg.MaxDailyLoss > 0 &&
		c.dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-c.cfg.MaxDailyLoss)) {
		return c.refused(ReasonDailyLoss)
	}
	if c.cfg.MaxGameExposure > 0 {
		next := c.gameExposure[sig.GameID].Add(sizeUSD)
		if next.GreaterThan(decimal.NewFromFloat(c.cfg.MaxGameExposure)) {
			return c.refused(ReasonGameExposure)
		}
	}
	if c.cfg.MaxSportExposure > 0 {
		next := c.sportExposure[sig.Sport].Add(sizeUSD)
		if next.GreaterThan(decimal.NewFromFloat(c.cfg.MaxSportExposure)) {
			return c.refused(ReasonSportExposure)
		}
	}
	return allow()
}

func (c *Controller) refused(r Reason) Verdict {
	c.met.RiskRejections.WithLabelValues(string(r)).Inc()
	return refuse(r)
}

// RecordOpen adds a filled position's size to the exposure ledgers.
func (c *Controller) RecordOpen(gameID string, sport feed.Sport, sizeUSD decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gameExposure[gameID] = c.gameExposure[gameID].Add(sizeUSD)
	c.sportExposure[sport] = c.sportExposure[sport].Add(sizeUSD)
}

// RecordClose releases exposure and applies realized P&L to the daily total.
func (c *Controller) RecordClose(gameID string, sport feed.Sport, sizeUSD, pnl decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(time.Now())

	c.gameExposure[gameID] = c.gameExposure[gameID].Sub(sizeUSD)
	if c.gameExposure[gameID].LessThanOrEqual(decimal.Zero) {
		delete(c.gameExposure, gameID)
	}
	c.sportExposure[sport] = c.sportExposure[sport].Sub(sizeUSD)
	if c.sportExposure[sport].LessThanOrEqual(decimal.Zero) {
		delete(c.sportExposure, sport)
	}
	c.dailyPnL = c.dailyPnL.Add(pnl)
	c.met.DailyPnL.WithLabelValues().Set(metrics.ToFloat(c.dailyPnL))
}

// DailyPnL returns today's realized P&L.
func (c *Controller) DailyPnL() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(time.Now())
	return c.dailyPnL
}

// rollDay resets the daily P&L at the date boundary. Callers hold c.mu.
func (c *Controller) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if c.dailyDate != day {
		c.dailyDate = day
		c.dailyPnL = decimal.Zero
	}
}
