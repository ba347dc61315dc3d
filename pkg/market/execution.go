package market

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// ExecutionRequest asks the execution service to place one order. The
// idempotency key scopes the at-most-once guarantee: a single execution
// service instance emits at most one ExecutionResult per key.
type ExecutionRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Platform       Platform        `json:"platform"`
	MarketID       string          `json:"market_id"`
	Side           Side            `json:"side"`
	Direction      Direction       `json:"direction"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Size           decimal.Decimal `json:"size"` // contracts
	ContractTeam   string          `json:"contract_team"`

	// Originating signal metadata, carried for bookkeeping and tracing.
	SignalID   string          `json:"signal_id"`
	SignalType SignalType      `json:"signal_type"`
	GameID     string          `json:"game_id"`
	Sport      feed.Sport      `json:"sport"`
	ModelProb  decimal.Decimal `json:"model_prob"`
	EdgePct    decimal.Decimal `json:"edge_pct"`

	// Arb pairs share an opportunity key and carry the second leg.
	OpportunityKey string  `json:"opportunity_key,omitempty"`
	ArbLeg         *ArbLeg `json:"arb_leg,omitempty"`

	// CloseOf names the trade this order unwinds. Exits and the
	// close-instead-of-open path set it; the tracker matches the fill back
	// to the open position.
	CloseOf string `json:"close_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ExecStatus is the terminal state of an execution attempt.
type ExecStatus string

const (
	ExecFilled   ExecStatus = "filled"
	ExecRejected ExecStatus = "rejected"
	ExecFailed   ExecStatus = "failed"
	ExecPartial  ExecStatus = "partial"
)

// ExecutionResult is the single response emitted for an ExecutionRequest.
type ExecutionResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Status         ExecStatus      `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Fees           decimal.Decimal `json:"fees"`
	LatencyMS      int64           `json:"latency_ms"`
	Reason         Reason          `json:"rejection_reason,omitempty"`
	ReasonDetail   string          `json:"reason_detail,omitempty"`
	VenueOrderID   string          `json:"venue_order_id,omitempty"`

	Platform     Platform  `json:"platform"`
	MarketID     string    `json:"market_id"`
	Side         Side      `json:"side"`
	Direction    Direction `json:"direction"`
	ContractTeam string    `json:"contract_team"`
	GameID       string    `json:"game_id"`
	Sport        feed.Sport `json:"sport"`

	// Arb pairs report both legs' latencies.
	LegLatenciesMS []int64 `json:"leg_latencies_ms,omitempty"`

	// CloseOf is carried through from the request.
	CloseOf string `json:"close_of,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// PositionState is the tracker-owned position lifecycle.
type PositionState string

const (
	PositionOpen    PositionState = "open"
	PositionExiting PositionState = "exiting"
	PositionClosed  PositionState = "closed"
	PositionSettled PositionState = "settled"
)

// Position is a filled execution tracked to exit or settlement. Only the
// position tracker writes this; the store mirrors it.
type Position struct {
	TradeID      string          `json:"trade_id"`
	GameID       string          `json:"game_id"`
	Sport        feed.Sport      `json:"sport"`
	Platform     Platform        `json:"platform"`
	MarketID     string          `json:"market_id"`
	Side         Side            `json:"side"`
	Direction    Direction       `json:"direction"`
	ContractTeam string          `json:"contract_team"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Size         decimal.Decimal `json:"size"`
	EntryFees    decimal.Decimal `json:"entry_fees"`
	State        PositionState   `json:"state"`
	OpenedAt     time.Time       `json:"opened_at"`

	ExitPrice  decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason string          `json:"exit_reason,omitempty"`
	RealizedPL decimal.Decimal `json:"realized_pl,omitempty"`
	ClosedAt   time.Time       `json:"closed_at,omitempty"`
}

// PositionUpdate is published on every position lifecycle transition. On a
// close the tracker stamps CooldownUntil so shards and the signal processor
// suppress new signals for the game without knowing the cooldown policy.
type PositionUpdate struct {
	Position      Position  `json:"position"`
	Event         string    `json:"event"` // opened | exiting | closed | settled
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Time          time.Time `json:"time"`
}
