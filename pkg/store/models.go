// Package store persists engine state to Postgres via gorm. Every method is
// nil-safe: a nil *Store (no DSN configured, the default in paper mode) turns
// persistence into a no-op so the engine runs without a database.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Game is one tracked live game.
type Game struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Sport     string    `gorm:"type:text;index;not null"`
	HomeTeam  string    `gorm:"type:text;not null"`
	AwayTeam  string    `gorm:"type:text;not null"`
	StartTime time.Time `gorm:"type:timestamptz"`
	Status    string    `gorm:"type:text;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Game) TableName() string { return "games" }

// GameState is one game-state snapshot with the model's win probability.
type GameState struct {
	ID                   uint   `gorm:"primaryKey"`
	GameID               string `gorm:"type:text;index;not null"`
	HomeScore            int
	AwayScore            int
	Period               int
	TimeRemainingSeconds int
	Status               string          `gorm:"type:text"`
	HomeWinProb          decimal.Decimal `gorm:"type:numeric(6,4)"`
	CreatedAt            time.Time       `gorm:"index"`
}

func (GameState) TableName() string { return "game_states" }

// Play is one play-by-play record.
type Play struct {
	ID          uint   `gorm:"primaryKey"`
	GameID      string `gorm:"type:text;index;not null"`
	PlayID      string `gorm:"type:text;uniqueIndex;not null"`
	Description string `gorm:"type:text"`
	Period      int
	Clock       string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (Play) TableName() string { return "plays" }

// MarketPrice is one persisted venue quote.
type MarketPrice struct {
	ID           uint            `gorm:"primaryKey"`
	GameID       string          `gorm:"type:text;index;not null"`
	Platform     string          `gorm:"type:text;not null"`
	MarketID     string          `gorm:"type:text;index;not null"`
	MarketType   string          `gorm:"type:text"`
	ContractTeam string          `gorm:"type:text"`
	YesBid       decimal.Decimal `gorm:"type:numeric(6,4)"`
	YesAsk       decimal.Decimal `gorm:"type:numeric(6,4)"`
	Volume       decimal.Decimal `gorm:"type:numeric(30,10)"`
	CreatedAt    time.Time       `gorm:"index"`
}

func (MarketPrice) TableName() string { return "market_prices" }

// TradingSignal is one emitted signal and its gate outcome.
type TradingSignal struct {
	SignalID   string          `gorm:"primaryKey;type:text"`
	GameID     string          `gorm:"type:text;index;not null"`
	Sport      string          `gorm:"type:text"`
	Type       string          `gorm:"type:text;not null"`
	Platform   string          `gorm:"type:text"`
	MarketID   string          `gorm:"type:text"`
	MarketType string          `gorm:"type:text"`
	Team       string          `gorm:"type:text"`
	Direction  string          `gorm:"type:text"`
	ModelProb  decimal.Decimal `gorm:"type:numeric(6,4)"`
	MarketProb decimal.Decimal `gorm:"type:numeric(6,4)"`
	EdgePct    decimal.Decimal `gorm:"type:numeric(8,4)"`
	Status     string          `gorm:"type:text;index"` // emitted, accepted, rejected, executed
	Reason     string          `gorm:"type:text"`
	CreatedAt  time.Time       `gorm:"index"`
}

func (TradingSignal) TableName() string { return "trading_signals" }

// PaperTrade is one position, paper or live. SignalID doubles as the
// execution idempotency key; the unique index is the at-most-once guarantee
// across restarts.
type PaperTrade struct {
	ID           uint             `gorm:"primaryKey"`
	SignalID     string           `gorm:"type:text;uniqueIndex;not null"`
	GameID       string           `gorm:"type:text;index;not null"`
	Sport        string           `gorm:"type:text;index"`
	Platform     string           `gorm:"type:text;not null"`
	MarketID     string           `gorm:"type:text;not null"`
	MarketType   string           `gorm:"type:text"`
	ContractTeam string           `gorm:"type:text"`
	Side         string           `gorm:"type:text"` // yes / no
	Direction    string           `gorm:"type:text"` // buy / sell
	Quantity     decimal.Decimal  `gorm:"type:numeric(20,6)"`
	EntryPrice   decimal.Decimal  `gorm:"type:numeric(6,4)"`
	ExitPrice    *decimal.Decimal `gorm:"type:numeric(6,4)"`
	Fees         decimal.Decimal  `gorm:"type:numeric(12,6)"`
	RealizedPnL  *decimal.Decimal `gorm:"column:realized_pnl;type:numeric(14,6)"`
	Status       string           `gorm:"type:text;index"` // open, closed, settled
	Live         bool             `gorm:"not null;default:false"`
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

func (PaperTrade) TableName() string { return "paper_trades" }

// ArbOpportunity is one detected cross-venue arbitrage pair.
type ArbOpportunity struct {
	ID                 uint   `gorm:"primaryKey"`
	GameID             string `gorm:"type:text;index;not null"`
	MarketType         string `gorm:"type:text"`
	KalshiMarketID     string `gorm:"type:text"`
	PolymarketMarketID string `gorm:"type:text"`
	CostCents          int
	ProfitCents        int
	Executed           bool `gorm:"index"`
	CreatedAt          time.Time
}

func (ArbOpportunity) TableName() string { return "arbitrage_opportunities" }

// Bankroll is the single-row account state. Writers serialize through a
// Postgres advisory lock; see Store.UpdateBankroll.
type Bankroll struct {
	ID        int             `gorm:"primaryKey"` // always 1
	Current   decimal.Decimal `gorm:"type:numeric(14,6);not null"`
	Piggybank decimal.Decimal `gorm:"type:numeric(14,6);not null"`
	DailyPnL  decimal.Decimal `gorm:"column:daily_pnl;type:numeric(14,6);not null"`
	DailyDate string          `gorm:"type:text"` // YYYY-MM-DD the daily P&L belongs to
	UpdatedAt time.Time
}

func (Bankroll) TableName() string { return "bankroll" }

// FuturesGame tracks a pre-game futures market awaiting handoff to live
// trading; HandedOffAt marks the transition.
type FuturesGame struct {
	ID          uint       `gorm:"primaryKey"`
	GameID      string     `gorm:"type:text;uniqueIndex;not null"`
	Sport       string     `gorm:"type:text"`
	Platform    string     `gorm:"type:text"`
	MarketID    string     `gorm:"type:text"`
	HandedOffAt *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func (FuturesGame) TableName() string { return "futures_games" }
