package positions

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/store"
)

const (
	sweepSchedule   = "@every 5m"
	sweepStartDelay = time.Minute
	sweepMinAge     = time.Minute
)

// startSweep schedules the orphan sweep: positions left open in the store
// after a crash or a missed settlement event get settled from the final
// score. The start delay gives the live path first claim after a restart.
func (t *Tracker) startSweep(ctx context.Context) func() {
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, func() { t.sweepOrphans(ctx) }); err != nil {
		t.log.Error("schedule orphan sweep", zap.Error(err))
		return func() {}
	}
	timer := time.AfterFunc(sweepStartDelay, c.Start)
	return func() {
		timer.Stop()
		<-c.Stop().Done()
	}
}

// sweepOrphans settles stored open trades that no in-memory position owns
// and whose game has gone final.
func (t *Tracker) sweepOrphans(ctx context.Context) {
	rows, err := t.store.OpenTradesOlderThan(ctx, time.Now().Add(-sweepMinAge))
	if err != nil {
		t.log.Warn("orphan sweep query failed", zap.Error(err))
		return
	}
	for i := range rows {
		row := &rows[i]
		t.mu.Lock()
		_, tracked := t.open[row.SignalID]
		t.mu.Unlock()
		if tracked {
			continue
		}
		t.settleOrphan(ctx, row)
	}
}

func (t *Tracker) settleOrphan(ctx context.Context, row *store.PaperTrade) {
	sport := feed.Sport(row.Sport)
	state, _, err := t.feed.Snapshot(ctx, sport, row.GameID)
	if err != nil || state == nil || !state.IsFinal() {
		return
	}
	g, err := t.store.GetGame(ctx, row.GameID)
	if err != nil || g == nil {
		return
	}

	winner := g.AwayTeam
	if state.HomeScore > state.AwayScore {
		winner = g.HomeTeam
	}
	exit := decimal.Zero
	if t.matcher.SameTeam(sport)(row.ContractTeam, winner) {
		exit = decimal.NewFromInt(1)
	}

	pos := &market.Position{
		Direction:  market.Direction(row.Direction),
		EntryPrice: row.EntryPrice,
		Size:       row.Quantity,
		EntryFees:  row.Fees,
	}
	pnl := realizedPnL(pos, exit, decimal.Zero)
	cost := entryCost(pos)

	if err := t.store.CloseTrade(ctx, row.SignalID, exit, pnl, "settled"); err != nil {
		t.log.Warn("orphan close failed", zap.Error(err))
		return
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

	t.met.RealizedPnL.WithLabelValues(row.Sport).Add(metrics.ToFloat(pnl))
	outcome := "loss"
	if pnl.IsPositive() {
		outcome = "win"
	} else if pnl.IsZero() {
		outcome = "push"
	}
	t.met.Settlements.WithLabelValues(outcome).Inc()
	t.log.Info("orphan settled",
		zap.String("trade", row.SignalID),
		zap.String("game", row.GameID),
		zap.String("winner", winner),
		zap.String("pnl", pnl.StringFixed(2)))
}
