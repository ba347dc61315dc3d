// Package positions owns the position lifecycle: fills become open
// positions, the exit monitor unwinds them on take-profit or stop-loss,
// game endings settle them at 0 or 1, and an orphan sweep backstops
// anything the live path missed. Only this package writes position state.
package positions

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

// breakerSink is the per-shard circuit breaker's position ledger; nil when
// the deployment runs without one.
type breakerSink interface {
	RecordFill(marketID string, sizeUSD decimal.Decimal)
	RecordClose(marketID string, sizeUSD, pnl decimal.Decimal, now time.Time)
}

// Deps are the tracker's collaborators.
type Deps struct {
	Risk    *risk.Controller
	Breaker breakerSink
	Account *market.Account
	Matcher *teams.Matcher
	Feed    feed.Scoreboard
	Bus     *bus.Bus
	Store   *store.Store
	Metrics *metrics.EngineMetrics
	Log     *zap.Logger
}

// Tracker maintains the open set and runs the exit, settlement, and sweep
// loops.
type Tracker struct {
	cfg     config.PositionConfig
	risk    *risk.Controller
	breaker breakerSink
	account *market.Account
	matcher *teams.Matcher
	feed    feed.Scoreboard
	bus     *bus.Bus
	store   *store.Store
	met     *metrics.EngineMetrics
	log     *zap.Logger

	mu        sync.Mutex
	open      map[string]*market.Position // by trade ID
	entryCost map[string]decimal.Decimal
	prices    map[string][]*market.Price
	breaches  map[string]int // consecutive exit-trigger hits per trade
	exiting   map[string]struct{}
}

// New builds a tracker with an empty open set.
func New(cfg config.PositionConfig, deps Deps) *Tracker {
	return &Tracker{
		cfg:       cfg,
		risk:      deps.Risk,
		breaker:   deps.Breaker,
		account:   deps.Account,
		matcher:   deps.Matcher,
		feed:      deps.Feed,
		bus:       deps.Bus,
		store:     deps.Store,
		met:       deps.Metrics,
		log:       deps.Log.Named("positions"),
		open:      make(map[string]*market.Position),
		entryCost: make(map[string]decimal.Decimal),
		prices:    make(map[string][]*market.Price),
		breaches:  make(map[string]int),
		exiting:   make(map[string]struct{}),
	}
}

// Run consumes results, prices, and game endings, and drives the exit
// monitor and orphan sweep.
func (t *Tracker) Run(ctx context.Context) error {
	results, cancelRes := t.bus.Subscribe(bus.TopicExecResults)
	defer cancelRes()
	prices, cancelPrices := t.bus.Subscribe(bus.TopicPriceFastPath)
	defer cancelPrices()
	ended, cancelEnded := t.bus.Subscribe(bus.TopicGamesEnded)
	defer cancelEnded()

	interval := t.cfg.ExitCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	exitTicker := time.NewTicker(interval)
	defer exitTicker.Stop()

	stopSweep := t.startSweep(ctx)
	defer stopSweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-results:
			if res, ok := msg.Payload.(*market.ExecutionResult); ok {
				t.onResult(ctx, res)
			}
		case msg := <-prices:
			if pr, ok := msg.Payload.(*market.Price); ok {
				t.cachePrice(pr)
			}
		case msg := <-ended:
			if ge, ok := msg.Payload.(market.GameEnded); ok {
				t.settleGame(ctx, &ge)
			}
		case <-exitTicker.C:
			t.checkExits(time.Now())
		}
	}
}

// onResult routes a fill: CloseOf results finalize an exit, the rest open.
func (t *Tracker) onResult(ctx context.Context, res *market.ExecutionResult) {
	if res.Status != market.ExecFilled {
		if res.CloseOf != "" {
			// Failed exit: clear the in-flight latch so the monitor
			// retries on the next tick.
			t.mu.Lock()
			delete(t.exiting, res.CloseOf)
			t.mu.Unlock()
		}
		return
	}
	if res.CloseOf != "" {
		t.closeAt(ctx, res.CloseOf, res.AvgPrice, res.Fees, "exit_fill", false)
		return
	}
	t.openPosition(ctx, res)
}

func (t *Tracker) openPosition(ctx context.Context, res *market.ExecutionResult) {
	pos := &market.Position{
		TradeID:      res.IdempotencyKey,
		GameID:       res.GameID,
		Sport:        res.Sport,
		Platform:     res.Platform,
		MarketID:     res.MarketID,
		Side:         res.Side,
		Direction:    res.Direction,
		ContractTeam: res.ContractTeam,
		EntryPrice:   res.AvgPrice,
		Size:         res.FilledQty,
		EntryFees:    res.Fees,
		State:        market.PositionOpen,
		OpenedAt:     time.Now(),
	}
	cost := entryCost(pos)

	created, err := t.store.CreateTrade(ctx, &store.PaperTrade{
		SignalID:     pos.TradeID,
		GameID:       pos.GameID,
		Sport:        string(pos.Sport),
		Platform:     string(pos.Platform),
		MarketID:     pos.MarketID,
		ContractTeam: pos.ContractTeam,
		Side:         string(pos.Side),
		Direction:    string(pos.Direction),
		Quantity:     pos.Size,
		EntryPrice:   pos.EntryPrice,
		Fees:         pos.EntryFees,
		Status:       "open",
		OpenedAt:     pos.OpenedAt,
	})
	if err != nil {
		t.log.Warn("persist trade failed", zap.Error(err))
	}
	if t.store != nil && err == nil && !created {
		// The unique signal_id index says this fill was already recorded;
		// a replayed result must not double-open.
		t.log.Warn("duplicate fill ignored", zap.String("trade", pos.TradeID))
		return
	}

	t.mu.Lock()
	t.open[pos.TradeID] = pos
	t.entryCost[pos.TradeID] = cost
	t.mu.Unlock()

	t.risk.RecordOpen(pos.GameID, pos.Sport, cost)
	if t.breaker != nil {
		t.breaker.RecordFill(pos.MarketID, cost)
	}
	t.met.OpenPositions.WithLabelValues(string(pos.Platform)).Inc()
	t.publish(*pos, "opened", time.Time{})
	t.log.Info("position opened",
		zap.String("trade", pos.TradeID),
		zap.String("market", pos.MarketID),
		zap.String("team", pos.ContractTeam),
		zap.String("entry", pos.EntryPrice.String()))
}

// closeAt finalizes a position at the given exit price. settled marks a
// settlement at 0/1, which carries no fees or slippage.
func (t *Tracker) closeAt(ctx context.Context, tradeID string, exitPrice, exitFees decimal.Decimal, reason string, settled bool) {
	t.mu.Lock()
	pos, ok := t.open[tradeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.open, tradeID)
	delete(t.exiting, tradeID)
	delete(t.breaches, tradeID)
	cost := t.entryCost[tradeID]
	delete(t.entryCost, tradeID)
	t.mu.Unlock()

	pnl := realizedPnL(pos, exitPrice, exitFees)
	now := time.Now()
	wasWin := pnl.IsPositive()

	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.RealizedPL = pnl
	pos.ClosedAt = now
	pos.State = market.PositionClosed
	status := "closed"
	if settled {
		pos.State = market.PositionSettled
		status = "settled"
	}

	t.account.ApplyClose(cost, pnl)
	view := t.account.View()
	t.met.UpdateBankroll(view.Current, view.Piggybank)
	if err := t.store.UpdateBankroll(ctx, func(b *store.Bankroll) error {
		b.Current = view.Current
		b.Piggybank = view.Piggybank
		b.DailyPnL = b.DailyPnL.Add(pnl)
		return nil
	}); err != nil {
		t.log.Warn("persist bankroll failed", zap.Error(err))
	}
	if err := t.store.CloseTrade(ctx, tradeID, exitPrice, pnl, status); err != nil {
		t.log.Warn("persist close failed", zap.Error(err))
	}

	t.risk.RecordClose(pos.GameID, pos.Sport, cost, pnl)
	if t.breaker != nil {
		t.breaker.RecordClose(pos.MarketID, cost, pnl, now)
	}
	t.met.OpenPositions.WithLabelValues(string(pos.Platform)).Dec()
	t.met.RealizedPnL.WithLabelValues(string(pos.Sport)).Add(metrics.ToFloat(pnl))
	if settled {
		outcome := "loss"
		if wasWin {
			outcome = "win"
		} else if pnl.IsZero() {
			outcome = "push"
		}
		t.met.Settlements.WithLabelValues(outcome).Inc()
	}

	t.publish(*pos, string(pos.State), t.cooldownUntil(now, wasWin))
	t.log.Info("position closed",
		zap.String("trade", tradeID),
		zap.String("reason", reason),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.Bool("win", wasWin))
}

// cooldownUntil stamps the game's signal suppression window after a close.
func (t *Tracker) cooldownUntil(now time.Time, wasWin bool) time.Time {
	secs := t.cfg.LossCooldownSeconds
	if wasWin {
		secs = t.cfg.WinCooldownSeconds
	}
	if secs <= 0 {
		if wasWin {
			secs = 180
		} else {
			secs = 300
		}
	}
	return now.Add(time.Duration(secs) * time.Second)
}

// settleGame closes every open position for the game at 0 or 1 per its
// contract team. Settlement has no fees and no slippage.
func (t *Tracker) settleGame(ctx context.Context, ge *market.GameEnded) {
	t.mu.Lock()
	var ids []string
	for id, pos := range t.open {
		if pos.GameID == ge.GameID {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	same := t.matcher.SameTeam(ge.Sport)
	winner, loser := ge.AwayTeam, ge.HomeTeam
	if ge.HomeWon() {
		winner, loser = ge.HomeTeam, ge.AwayTeam
	}
	for _, id := range ids {
		t.mu.Lock()
		pos := t.open[id]
		t.mu.Unlock()
		if pos == nil {
			continue
		}
		var exit decimal.Decimal
		switch {
		case same(pos.ContractTeam, winner):
			exit = decimal.NewFromInt(1)
		case same(pos.ContractTeam, loser):
			exit = decimal.Zero
		default:
			// The contract matches neither side; settling at 0 or 1 would
			// be a guess, so the stake comes back as a push.
			exit = pos.EntryPrice
			t.log.Warn("ambiguous settlement, pushing",
				zap.String("trade", id),
				zap.String("contract_team", pos.ContractTeam),
				zap.String("game", ge.GameID))
		}
		t.closeAt(ctx, id, exit, decimal.Zero, "settlement", true)
	}
	if len(ids) > 0 {
		t.log.Info("game settled",
			zap.String("game", ge.GameID),
			zap.Int("positions", len(ids)),
			zap.String("winner", winner))
	}
}

// entryCost is the capital a position consumed: price per contract for
// longs, the complementary collateral for shorts, plus entry fees.
func entryCost(pos *market.Position) decimal.Decimal {
	per := pos.EntryPrice
	if pos.Direction == market.DirectionSell {
		per = decimal.NewFromInt(1).Sub(pos.EntryPrice)
	}
	return pos.Size.Mul(per).Add(pos.EntryFees)
}

// realizedPnL is the close P&L net of exit fees; entry fees were paid at
// open and live in the entry cost.
func realizedPnL(pos *market.Position, exitPrice, exitFees decimal.Decimal) decimal.Decimal {
	move := exitPrice.Sub(pos.EntryPrice)
	if pos.Direction == market.DirectionSell {
		move = pos.EntryPrice.Sub(exitPrice)
	}
	return pos.Size.Mul(move).Sub(exitFees).Sub(pos.EntryFees)
}

func (t *Tracker) publish(pos market.Position, event string, cooldownUntil time.Time) {
	t.bus.Publish(bus.TopicPositions, market.PositionUpdate{
		Position:      pos,
		Event:         event,
		CooldownUntil: cooldownUntil,
		Time:          time.Now(),
	})
}

func (t *Tracker) cachePrice(pr *market.Price) {
	key := string(pr.Platform) + "|" + pr.MarketID
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := t.prices[key]
	for i, row := range rows {
		if row.ContractTeam == pr.ContractTeam {
			rows[i] = pr
			return
		}
	}
	t.prices[key] = append(rows, pr)
}

// OpenCount reports the size of the open set.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

var _ breakerSink = (*risk.CircuitBreaker)(nil)
