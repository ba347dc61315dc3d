package market

import (
	"sync"
	"time"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// GameEnded is the settlement trigger broadcast when a tracked game goes
// final (or is removed near-final). The position tracker settles open
// positions from it; the monitors drop the game's market subscriptions.
type GameEnded struct {
	GameID    string     `json:"game_id"`
	Sport     feed.Sport `json:"sport"`
	HomeTeam  string     `json:"home_team"`
	AwayTeam  string     `json:"away_team"`
	HomeScore int        `json:"home_score"`
	AwayScore int        `json:"away_score"`
	EndedAt   time.Time  `json:"ended_at"`
}

// HomeWon reports the settlement outcome for the home team's contract.
func (g *GameEnded) HomeWon() bool {
	return g.HomeScore > g.AwayScore
}

// Alert kinds published on the system:alerts topic.
const (
	AlertRiskBreach   = "risk_breach"
	AlertCircuitOpen  = "circuit_open"
	AlertGeoViolation = "geo_violation"
	AlertSequenceGap  = "sequence_gap"
)

// Alert is a health envelope for operator-facing conditions. Components
// publish these on the system:alerts topic alongside their logs.
type Alert struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAlert builds a timestamped alert envelope.
func NewAlert(kind, source, detail string) Alert {
	return Alert{Kind: kind, Source: source, Detail: detail, Timestamp: time.Now()}
}

// CooldownLedger tracks per-game signal suppression windows. The position
// tracker computes cooldown_until on every close (shorter after a win,
// longer after a loss) and publishes it; shards and the signal processor
// each keep a ledger from those events.
type CooldownLedger struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewCooldownLedger returns an empty ledger.
func NewCooldownLedger() *CooldownLedger {
	return &CooldownLedger{until: make(map[string]time.Time)}
}

// Set records a game's cooldown deadline, keeping the later of two writes.
func (l *CooldownLedger) Set(gameID string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.until[gameID]) {
		l.until[gameID] = until
	}
}

// Active reports whether the game is still inside its cooldown window.
func (l *CooldownLedger) Active(gameID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.until[gameID]
	if !ok {
		return false
	}
	if !now.Before(u) {
		delete(l.until, gameID)
		return false
	}
	return true
}

// Until returns the game's cooldown deadline, if any.
func (l *CooldownLedger) Until(gameID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.until[gameID]
	return u, ok
}
