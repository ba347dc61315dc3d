// Package monitor implements the per-venue price monitors: they subscribe to
// orchestrator assignments, maintain local order books for the current
// active set, normalize venue messages into MarketPrice records, and publish
// them on per-game price topics. Messages for identifiers outside the active
// set are dropped; the orchestrator corrects assignments mid-game and stale
// venue traffic must not leak through.
package monitor

import (
	"sync"

	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
)

// Assignment types on the assignments topic.
const (
	AssignKalshi     = "kalshi_assign"
	AssignPolymarket = "polymarket_assign"
)

// Assignment is the orchestrator's per-game market map for one venue.
type Assignment struct {
	Type     string           `json:"type"` // AssignKalshi or AssignPolymarket
	GameID   string           `json:"game_id"`
	Sport    feed.Sport       `json:"sport"`
	HomeTeam string           `json:"home_team"`
	AwayTeam string           `json:"away_team"`
	Markets  []AssignedMarket `json:"markets"`
}

// AssignedMarket is one venue market inside an assignment.
type AssignedMarket struct {
	MarketType market.Type `json:"market_type"`
	// Ticker for venue K, condition id for venue P.
	Identifier string `json:"identifier"`
	// MarketID is the id stamped on published prices; defaults to
	// Identifier. Venue P tracks per-outcome token ids that all report
	// under their market's condition id.
	MarketID string `json:"market_id,omitempty"`
	TeamName string `json:"team_name,omitempty"`
}

// Entry resolves a venue identifier back to its assignment.
type Entry struct {
	GameID       string
	Sport        feed.Sport
	MarketType   market.Type
	MarketID     string
	ContractTeam string
}

// ActiveSet is the current identifier -> assignment index. The assignment
// listener is the single writer; the price loops read. Re-assignment for a
// (game, market_type) replaces all prior identifiers for that pair, which is
// what makes the stale-drop rule work.
type ActiveSet struct {
	mu     sync.RWMutex
	byID   map[string]Entry
	byGame map[string]map[market.Type][]string // game -> type -> identifiers
}

// NewActiveSet returns an empty set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{
		byID:   make(map[string]Entry),
		byGame: make(map[string]map[market.Type][]string),
	}
}

// Assign replaces the identifiers for (gameID, marketType). Previously
// assigned identifiers for the pair fall out of the set and their traffic
// becomes droppable immediately.
func (a *ActiveSet) Assign(gameID string, sport feed.Sport, marketType market.Type, markets []AssignedMarket) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.byGame[gameID]; ok {
		for _, id := range old[marketType] {
			delete(a.byID, id)
		}
	} else {
		a.byGame[gameID] = make(map[market.Type][]string)
	}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		marketID := m.MarketID
		if marketID == "" {
			marketID = m.Identifier
		}
		a.byID[m.Identifier] = Entry{
			GameID:       gameID,
			Sport:        sport,
			MarketType:   marketType,
			MarketID:     marketID,
			ContractTeam: m.TeamName,
		}
		ids = append(ids, m.Identifier)
	}
	a.byGame[gameID][marketType] = ids
}

// Remove drops all identifiers for a game.
func (a *ActiveSet) Remove(gameID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ids := range a.byGame[gameID] {
		for _, id := range ids {
			delete(a.byID, id)
		}
	}
	delete(a.byGame, gameID)
}

// Lookup resolves an identifier; ok=false means the message is stale and
// must be discarded.
func (a *ActiveSet) Lookup(identifier string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.byID[identifier]
	return e, ok
}

// Identifiers returns every active identifier, for subscription replay.
func (a *ActiveSet) Identifiers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.byID))
	for id := range a.byID {
		ids = append(ids, id)
	}
	return ids
}

// Games returns the currently assigned game ids.
func (a *ActiveSet) Games() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	games := make([]string, 0, len(a.byGame))
	for g := range a.byGame {
		games = append(games, g)
	}
	return games
}
