// Package metrics provides Prometheus metrics for the trading engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// EngineMetrics collects and exposes engine-wide Prometheus metrics.
type EngineMetrics struct {
	registry *prometheus.Registry

	// Feed metrics
	GameStates   *prometheus.CounterVec
	PriceUpdates *prometheus.CounterVec
	BookGaps     *prometheus.CounterVec
	StaleDrops   *prometheus.CounterVec
	WSReconnects *prometheus.CounterVec

	// Shard metrics
	ActiveGames  *prometheus.GaugeVec
	ShardHealthy *prometheus.GaugeVec

	// Signal metrics
	SignalsTotal     *prometheus.CounterVec
	SignalsRejected  *prometheus.CounterVec
	SignalEdge       *prometheus.HistogramVec
	ArbOpportunities *prometheus.CounterVec
	ArbProfitCents   *prometheus.HistogramVec

	// Execution metrics
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec
	OrderFees    *prometheus.CounterVec
	ArbLegFails  *prometheus.CounterVec

	// Position metrics
	OpenPositions *prometheus.GaugeVec
	RealizedPnL   *prometheus.GaugeVec
	Settlements   *prometheus.CounterVec

	// Account metrics
	BankrollBalance *prometheus.GaugeVec
	DailyPnL        *prometheus.GaugeVec

	// Risk metrics
	RiskRejections *prometheus.CounterVec
	BreakerTripped *prometheus.GaugeVec
}

// New creates an engine metrics collector on a fresh registry.
func New() *EngineMetrics {
	registry := prometheus.NewRegistry()

	em := &EngineMetrics{
		registry: registry,

		// Feed metrics
		GameStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_game_states_total",
				Help: "Total game-state snapshots processed",
			},
			[]string{"sport"},
		),
		PriceUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_price_updates_total",
				Help: "Total market price updates published",
			},
			[]string{"platform"},
		),
		BookGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_book_sequence_gaps_total",
				Help: "Order book sequence gaps forcing resubscribe",
			},
			[]string{"platform"},
		),
		StaleDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_stale_drops_total",
				Help: "Venue messages dropped for stale assignment",
			},
			[]string{"platform"},
		),
		WSReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_ws_reconnects_total",
				Help: "WebSocket reconnects per venue",
			},
			[]string{"platform"},
		),

		// Shard metrics
		ActiveGames: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_active_games",
				Help: "Games currently assigned to a shard",
			},
			[]string{"shard"},
		),
		ShardHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_shard_healthy",
				Help: "Shard heartbeat health (1=healthy, 0=timed out)",
			},
			[]string{"shard"},
		),

		// Signal metrics
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_signals_total",
				Help: "Trading signals emitted",
			},
			[]string{"type", "direction"},
		),
		SignalsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_signals_rejected_total",
				Help: "Signals rejected by the processor gate",
			},
			[]string{"reason"},
		),
		SignalEdge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgefeed_signal_edge_pct",
				Help:    "Signal edge in percentage points",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 12, 20, 35, 50},
			},
			[]string{"type"},
		),
		ArbOpportunities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_arb_opportunities_total",
				Help: "Cross-venue arbitrage opportunities detected",
			},
			[]string{"market_type"},
		),
		ArbProfitCents: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgefeed_arb_profit_cents",
				Help:    "Detected arb profit in cents per contract pair",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 12, 20},
			},
			[]string{"market_type"},
		),

		// Execution metrics
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_orders_total",
				Help: "Execution requests processed, by final status",
			},
			[]string{"platform", "status"},
		),
		OrderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgefeed_order_latency_seconds",
				Help:    "Request receipt to result emission",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"platform"},
		),
		OrderFees: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_order_fees_usd",
				Help: "Total venue fees paid in USD",
			},
			[]string{"platform"},
		),
		ArbLegFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_arb_leg_failures_total",
				Help: "Arbitrage leg failures, partial vs total",
			},
			[]string{"kind"},
		),

		// Position metrics
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_open_positions",
				Help: "Open positions by platform",
			},
			[]string{"platform"},
		),
		RealizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_realized_pnl_usd",
				Help: "Cumulative realized P&L in USD (can be negative)",
			},
			[]string{"sport"},
		),
		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_settlements_total",
				Help: "Position settlements by outcome",
			},
			[]string{"outcome"}, // win, loss, push
		),

		// Account metrics
		BankrollBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_bankroll_usd",
				Help: "Bankroll balances",
			},
			[]string{"bucket"}, // current, piggybank
		),
		DailyPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_daily_pnl_usd",
				Help: "Today's realized P&L in USD",
			},
			[]string{},
		),

		// Risk metrics
		RiskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefeed_risk_rejections_total",
				Help: "Trades refused by the risk controller",
			},
			[]string{"reason"},
		),
		BreakerTripped: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgefeed_circuit_breaker_tripped",
				Help: "Circuit breaker state per shard (1=tripped)",
			},
			[]string{"shard"},
		),
	}

	em.registerAll()

	return em
}

func (em *EngineMetrics) registerAll() {
	em.registry.MustRegister(
		em.GameStates,
		em.PriceUpdates,
		em.BookGaps,
		em.StaleDrops,
		em.WSReconnects,
		em.ActiveGames,
		em.ShardHealthy,
		em.SignalsTotal,
		em.SignalsRejected,
		em.SignalEdge,
		em.ArbOpportunities,
		em.ArbProfitCents,
		em.OrdersTotal,
		em.OrderLatency,
		em.OrderFees,
		em.ArbLegFails,
		em.OpenPositions,
		em.RealizedPnL,
		em.Settlements,
		em.BankrollBalance,
		em.DailyPnL,
		em.RiskRejections,
		em.BreakerTripped,
	)
}

// Registry returns the prometheus registry for the /metrics handler.
func (em *EngineMetrics) Registry() *prometheus.Registry {
	return em.registry
}

// --- Helper methods ---

// RecordSignal records an emitted signal.
func (em *EngineMetrics) RecordSignal(signalType, direction string, edgePct float64) {
	em.SignalsTotal.WithLabelValues(signalType, direction).Inc()
	em.SignalEdge.WithLabelValues(signalType).Observe(edgePct)
}

// RecordRejection records a gate rejection by reason.
func (em *EngineMetrics) RecordRejection(reason string) {
	em.SignalsRejected.WithLabelValues(reason).Inc()
}

// RecordOrder records one execution result.
func (em *EngineMetrics) RecordOrder(platform, status string, latencySec, feesUSD float64) {
	em.OrdersTotal.WithLabelValues(platform, status).Inc()
	if latencySec > 0 {
		em.OrderLatency.WithLabelValues(platform).Observe(latencySec)
	}
	if feesUSD > 0 {
		em.OrderFees.WithLabelValues(platform).Add(feesUSD)
	}
}

// RecordArb records a detected arbitrage opportunity.
func (em *EngineMetrics) RecordArb(marketType string, profitCents float64) {
	em.ArbOpportunities.WithLabelValues(marketType).Inc()
	em.ArbProfitCents.WithLabelValues(marketType).Observe(profitCents)
}

// UpdateBankroll publishes the bankroll gauges.
func (em *EngineMetrics) UpdateBankroll(current, piggybank decimal.Decimal) {
	em.BankrollBalance.WithLabelValues("current").Set(ToFloat(current))
	em.BankrollBalance.WithLabelValues("piggybank").Set(ToFloat(piggybank))
}

// ToFloat converts a decimal to float64 for gauge use.
func ToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

var (
	defaultMetrics *EngineMetrics
	once           sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *EngineMetrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}
