// Package market defines the venue-side data model shared by every stage of
// the pipeline: normalized prices, parsed market identity, trading signals,
// the execution request/result pair, positions, and the bankroll.
//
// All probabilities and prices are decimal values in [0,1]; conversion to
// venue cents happens only at the venue edge (and inside the order book,
// which keys levels by integer cents).
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// Platform identifies a venue.
type Platform string

const (
	PlatformKalshi     Platform = "kalshi"
	PlatformPolymarket Platform = "polymarket"
)

// Type is the market type within a game.
type Type string

const (
	TypeMoneyline  Type = "moneyline"
	TypeSpread     Type = "spread"
	TypeTotal      Type = "total"
	TypePlayerProp Type = "player_prop"
)

// Status is the venue-reported market lifecycle state.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusSettled Status = "settled"
)

// Side is the contract side of an order.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Direction is the trade direction of a signal.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Price is a per-contract snapshot from a venue. For moneyline on
// Polymarket a game has TWO Price rows sharing a market ID, one per team,
// distinguished by ContractTeam. Kalshi has one ticker per team with the
// team embedded in the ticker. ContractTeam is always populated by the
// monitors.
type Price struct {
	MarketID     string          `json:"market_id"`
	Platform     Platform        `json:"platform"`
	ContractTeam string          `json:"contract_team"`
	GameID       string          `json:"game_id,omitempty"`
	MarketType   Type            `json:"market_type"`
	MarketTitle  string          `json:"market_title,omitempty"`
	YesBid       decimal.Decimal `json:"yes_bid"`
	YesAsk       decimal.Decimal `json:"yes_ask"`
	BidSize      decimal.Decimal `json:"bid_size,omitempty"`
	AskSize      decimal.Decimal `json:"ask_size,omitempty"`
	Volume       decimal.Decimal `json:"volume,omitempty"`
	Liquidity    decimal.Decimal `json:"liquidity,omitempty"`
	Status       Status          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
}

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Mid returns (bid+ask)/2. Mark-to-market only; never an executable price.
func (p *Price) Mid() decimal.Decimal {
	return p.YesBid.Add(p.YesAsk).Div(two)
}

// Age returns how stale the quote is relative to now.
func (p *Price) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// EmptyBook reports the pathological no-quote shape (bid <= 0 and ask >= 1).
func (p *Price) EmptyBook() bool {
	return p.YesBid.LessThanOrEqual(decimal.Zero) && p.YesAsk.GreaterThanOrEqual(one)
}

// Invert returns the complementary quote for the other team's contract:
// bid' = 1 - ask, ask' = 1 - bid, with ContractTeam replaced. Inversion is
// an involution: Invert(Invert(p, a), b) restores the original quote.
func (p *Price) Invert(contractTeam string) *Price {
	inv := *p
	inv.ContractTeam = contractTeam
	inv.YesBid = one.Sub(p.YesAsk)
	inv.YesAsk = one.Sub(p.YesBid)
	inv.BidSize = p.AskSize
	inv.AskSize = p.BidSize
	return &inv
}

// Parsed is the structured identity extracted from a market title.
type Parsed struct {
	MarketType Type    `json:"market_type"`
	Team       string  `json:"team,omitempty"`
	Player     string  `json:"player,omitempty"`
	Line       float64 `json:"line,omitempty"`
}

// Compatible reports whether two parsed markets from different venues refer
// to the same tradeable proposition: same type and, where the type carries
// one, matching team/player and equal line.
func (p *Parsed) Compatible(other *Parsed, teamsMatch func(a, b string) bool) bool {
	if other == nil || p.MarketType != other.MarketType {
		return false
	}
	switch p.MarketType {
	case TypeSpread, TypeTotal:
		if p.Line != other.Line {
			return false
		}
	}
	if p.Team != "" && other.Team != "" && !teamsMatch(p.Team, other.Team) {
		return false
	}
	if p.Player != "" && other.Player != "" && !teamsMatch(p.Player, other.Player) {
		return false
	}
	return true
}

// SignalType classifies how a signal was produced.
type SignalType string

const (
	SignalWinProbShift     SignalType = "win_prob_shift"
	SignalMarketMispricing SignalType = "market_mispricing"
	SignalCrossMarketArb   SignalType = "cross_market_arb"
	SignalFuturesHandoff   SignalType = "futures_handoff"
)

// Signal is an actionable trading opportunity. Team is the team the model
// favors; sizing is deferred to the signal processor.
type Signal struct {
	SignalID   string          `json:"signal_id"`
	Type       SignalType      `json:"type"`
	GameID     string          `json:"game_id"`
	Sport      feed.Sport      `json:"sport"`
	Team       string          `json:"team"`
	Direction  Direction       `json:"direction"`
	Platform   Platform        `json:"platform"`
	MarketID   string          `json:"market_id"`
	MarketType Type            `json:"market_type"`
	ModelProb  decimal.Decimal `json:"model_prob"`
	MarketProb decimal.Decimal `json:"market_prob"`
	// EdgePct is in percentage points (model minus executable price for
	// buys, bid minus model for sells).
	EdgePct    decimal.Decimal `json:"edge_pct"`
	Confidence decimal.Decimal `json:"confidence"`
	Reason     string          `json:"reason"`
	PlayID     string          `json:"play_id,omitempty"`
	// Arb-only: the paired second leg and the cents of profit per pair.
	ArbLeg          *ArbLeg `json:"arb_leg,omitempty"`
	ProfitCentsPair int     `json:"profit_cents_pair,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ArbLeg describes the second leg of a cross-venue arbitrage pair.
type ArbLeg struct {
	Platform  Platform        `json:"platform"`
	MarketID  string          `json:"market_id"`
	Side      Side            `json:"side"`
	Team      string          `json:"team"`
	CostCents int             `json:"cost_cents"`
	Limit     decimal.Decimal `json:"limit"`
}

// Synthetic reports whether the signal lacks a market price and therefore
// must not be executed.
func (s *Signal) Synthetic() bool {
	return s.MarketProb.IsZero() && s.Type != SignalCrossMarketArb
}
