package shard

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/store"
)

const (
	// Crunch time: close game late. Either deep into regulation by clock
	// or into the final period by count (clock-less sports).
	crunchScoreDiff = 8
	crunchProgress  = 0.85

	// A game removed at or past this progress settles rather than
	// reassigns.
	settleProgressMin = 0.98
)

// gameContext is the per-game working state. The fields below the mutex are
// shared with the command goroutine; everything else is owned exclusively by
// the game's own goroutine.
type gameContext struct {
	info   feed.GameInfo
	cancel context.CancelFunc

	mu      sync.Mutex
	markets map[market.Type]map[market.Platform]string
	state   *feed.GameState
	settled bool

	// Owned by the game goroutine.
	prob        float64
	hasProb     bool
	lastEval    float64
	hasEval     bool
	prices      map[string]*market.Price
	lastDir     map[string]market.Direction
	lastArbCost map[market.Type]int
	seenPlays   map[string]struct{}
	lastPlayID  string
}

func newGameContext(cmd Command, cancel context.CancelFunc) *gameContext {
	return &gameContext{
		info: feed.GameInfo{
			GameID:    cmd.GameID,
			Sport:     cmd.Sport,
			HomeTeam:  cmd.HomeTeam,
			AwayTeam:  cmd.AwayTeam,
			StartTime: cmd.StartTime,
			Status:    feed.StatusInProgress,
		},
		cancel:      cancel,
		markets:     cmd.Markets,
		prices:      make(map[string]*market.Price),
		lastDir:     make(map[string]market.Direction),
		lastArbCost: make(map[market.Type]int),
		seenPlays:   make(map[string]struct{}),
	}
}

func (gc *gameContext) setMarkets(m map[market.Type]map[market.Platform]string) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.markets = m
}

func (gc *gameContext) marketsFor(mt market.Type) map[market.Platform]string {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.markets[mt]
}

func (gc *gameContext) setState(st *feed.GameState) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.state = st
}

func (gc *gameContext) lastState() *feed.GameState {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.state
}

// markSettled flips the settled latch; only the first caller wins.
func (gc *gameContext) markSettled() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.settled {
		return false
	}
	gc.settled = true
	return true
}

func priceKey(platform market.Platform, marketID, team string) string {
	return string(platform) + "|" + marketID + "|" + team
}

// runGame is the game's exclusive loop: venue prices arrive on the game's
// price topic, state polls fire on the cadence timer. Both paths run here,
// so the context needs no further locking.
func (s *Shard) runGame(ctx context.Context, gc *gameContext) {
	prices, cancelPrices := s.bus.Subscribe(bus.GamePriceTopic(gc.info.GameID))
	defer cancelPrices()

	s.pollState(ctx, gc)
	timer := time.NewTimer(s.pollInterval(gc.lastState()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-prices:
			if p, ok := msg.Payload.(*market.Price); ok {
				s.onPrice(ctx, gc, p)
			}
		case <-timer.C:
			s.pollState(ctx, gc)
			st := gc.lastState()
			if st != nil && st.IsFinal() {
				s.emitGameEnded(gc, st)
				s.removeGame(gc.info.GameID)
				return
			}
			timer.Reset(s.pollInterval(st))
		}
	}
}

// pollInterval selects the cadence for the next state poll.
func (s *Shard) pollInterval(st *feed.GameState) time.Duration {
	interval := s.cfg.DefaultPollInterval
	switch {
	case st == nil:
	case st.Status == feed.StatusHalftime:
		interval = s.cfg.HalftimeInterval
	case crunchTime(st):
		interval = s.cfg.CrunchTimeInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return interval
}

// crunchTime reports a close game near the end: within one score-ish and
// either past 85% of regulation or into the final period.
func crunchTime(st *feed.GameState) bool {
	diff := st.ScoreDiff()
	if diff < 0 {
		diff = -diff
	}
	if diff > crunchScoreDiff {
		return false
	}
	return st.GameProgress() > crunchProgress || st.Period >= st.Sport.Periods()
}

// pollState fetches a snapshot, persists it, and evaluates the probability
// shift gate.
func (s *Shard) pollState(ctx context.Context, gc *gameContext) {
	st, plays, err := s.feed.Snapshot(ctx, gc.info.Sport, gc.info.GameID)
	if err != nil {
		s.breaker.RecordError(time.Now())
		s.log.Warn("scoreboard snapshot failed",
			zap.String("game", gc.info.GameID), zap.Error(err))
		return
	}
	s.breaker.RecordSuccess()
	if !st.Valid() {
		return
	}

	gc.setState(st)
	s.met.GameStates.WithLabelValues(string(gc.info.Sport)).Inc()
	s.bus.Publish(bus.GameStateTopic(gc.info.GameID), st)
	s.persistPlays(ctx, gc, plays)

	prob, err := s.model.HomeWinProb(ctx, &gc.info, st)
	if err != nil {
		s.log.Warn("win prob model failed",
			zap.String("game", gc.info.GameID), zap.Error(err))
		return
	}
	gc.prob, gc.hasProb = prob, true

	if err := s.store.SaveGameState(ctx, &store.GameState{
		GameID:               gc.info.GameID,
		HomeScore:            st.HomeScore,
		AwayScore:            st.AwayScore,
		Period:               st.Period,
		TimeRemainingSeconds: st.TimeRemainingSeconds,
		Status:               string(st.Status),
		HomeWinProb:          decimal.NewFromFloat(prob),
	}); err != nil {
		s.log.Warn("persist game state failed", zap.Error(err))
	}

	if st.IsFinal() {
		return
	}
	if !gc.hasEval {
		gc.lastEval, gc.hasEval = prob, true
		return
	}
	shift := prob - gc.lastEval
	if math.Abs(shift) < s.cfg.MinProbShift {
		return
	}
	gc.lastEval = prob
	s.evalShift(ctx, gc, shift, time.Now())
}

// persistPlays saves unseen plays and remembers the latest scoring play so
// signals can reference the play that moved the model.
func (s *Shard) persistPlays(ctx context.Context, gc *gameContext, plays []feed.Play) {
	var rows []store.Play
	for i := range plays {
		p := &plays[i]
		if p.PlayID == "" {
			continue
		}
		if _, seen := gc.seenPlays[p.PlayID]; seen {
			continue
		}
		gc.seenPlays[p.PlayID] = struct{}{}
		if p.IsScoring {
			gc.lastPlayID = p.PlayID
		}
		rows = append(rows, store.Play{
			GameID:      gc.info.GameID,
			PlayID:      p.PlayID,
			Description: p.Text,
			Period:      p.Period,
			Clock:       p.Clock,
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.store.SavePlays(ctx, rows); err != nil {
		s.log.Warn("persist plays failed", zap.Error(err))
	}
}

// onPrice caches the quote, persists it, and runs the fast evaluation paths:
// single-venue mispricing and cross-venue arbitrage.
func (s *Shard) onPrice(ctx context.Context, gc *gameContext, p *market.Price) {
	if p.ContractTeam == "" {
		// Monitors always stamp the team; if one slips through, assume
		// home so the orientation stays deterministic.
		pc := *p
		pc.ContractTeam = gc.info.HomeTeam
		p = &pc
		s.log.Warn("price without contract team, assuming home",
			zap.String("market", p.MarketID))
	}
	gc.prices[priceKey(p.Platform, p.MarketID, p.ContractTeam)] = p

	if err := s.store.SaveMarketPrice(ctx, &store.MarketPrice{
		GameID:       gc.info.GameID,
		Platform:     string(p.Platform),
		MarketID:     p.MarketID,
		MarketType:   string(p.MarketType),
		ContractTeam: p.ContractTeam,
		YesBid:       p.YesBid,
		YesAsk:       p.YesAsk,
		Volume:       p.Volume,
	}); err != nil {
		s.log.Warn("persist price failed", zap.Error(err))
	}

	now := time.Now()
	if gc.hasProb && p.Status == market.StatusOpen {
		s.tryEmit(ctx, gc, p, gc.probFor(p.ContractTeam, s), market.SignalMarketMispricing, now)
	}
	s.checkArb(ctx, gc, p.MarketType, now)
}

// probFor orients the home win probability to the given contract team.
func (gc *gameContext) probFor(team string, s *Shard) float64 {
	if s.matcher.SameTeam(gc.info.Sport)(team, gc.info.HomeTeam) {
		return gc.prob
	}
	return 1 - gc.prob
}
