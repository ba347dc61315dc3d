package positions

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/market"
)

// polymarketRowMaxAge bounds how old a venue-P contract row may be when the
// exit monitor scans for a quote; their books quote both teams directly and
// a dead row would mark against a stale side.
const polymarketRowMaxAge = 2 * time.Minute

// maxExitSpread rejects books too wide to mark against.
var maxExitSpread = decimal.NewFromFloat(0.50)

// checkExits walks the open set once, marking each position to market and
// emitting an exit order after the configured number of consecutive
// take-profit or stop-loss breaches.
func (t *Tracker) checkExits(now time.Time) {
	t.mu.Lock()
	snapshot := make([]*market.Position, 0, len(t.open))
	for id, pos := range t.open {
		if _, busy := t.exiting[id]; busy {
			continue
		}
		snapshot = append(snapshot, pos)
	}
	t.mu.Unlock()

	minHold := time.Duration(t.cfg.MinHoldSeconds) * time.Second
	for _, pos := range snapshot {
		if now.Sub(pos.OpenedAt) < minHold {
			continue
		}
		quote := t.exitQuote(pos, now)
		if quote == nil {
			continue
		}

		mid := quote.Mid()
		trigger, reason := t.exitTrigger(pos, mid)
		t.mu.Lock()
		if !trigger {
			t.breaches[pos.TradeID] = 0
			t.mu.Unlock()
			continue
		}
		t.breaches[pos.TradeID]++
		hits := t.breaches[pos.TradeID]
		t.mu.Unlock()

		needed := t.cfg.ExitDebounceCount
		if needed <= 0 {
			needed = 1
		}
		if hits < needed {
			continue
		}
		t.requestExit(pos, quote, reason)
	}
}

// exitQuote finds a usable quote for the position's contract, inverting the
// opposing team's row when the venue quotes only one side.
func (t *Tracker) exitQuote(pos *market.Position, now time.Time) *market.Price {
	key := string(pos.Platform) + "|" + pos.MarketID
	t.mu.Lock()
	rows := append([]*market.Price(nil), t.prices[key]...)
	t.mu.Unlock()

	minConf := t.cfg.ExitTeamMinConfidence
	if minConf < 0.70 {
		minConf = 0.70
	}

	var quote *market.Price
	var fallback *market.Price
	for _, row := range rows {
		if pos.Platform == market.PlatformPolymarket && now.Sub(row.Timestamp) > polymarketRowMaxAge {
			continue
		}
		m := t.matcher.MatchWithThreshold(pos.Sport, row.ContractTeam, pos.ContractTeam, minConf)
		if m.IsMatch {
			quote = row
			break
		}
		fallback = row
	}
	if quote == nil && fallback != nil {
		quote = fallback.Invert(pos.ContractTeam)
	}
	if quote == nil {
		return nil
	}

	// A pathological or stale book is worse than no mark at all.
	if quote.EmptyBook() {
		return nil
	}
	if quote.YesAsk.Sub(quote.YesBid).GreaterThan(maxExitSpread) {
		return nil
	}
	if ttl := t.cfg.PriceStalenessTTL; ttl > 0 && quote.Age(now) > ttl {
		return nil
	}
	return quote
}

// exitTrigger marks the position at mid and decides take-profit vs stop-loss.
func (t *Tracker) exitTrigger(pos *market.Position, mid decimal.Decimal) (bool, string) {
	if pos.EntryPrice.IsZero() {
		return false, ""
	}
	move := mid.Sub(pos.EntryPrice)
	if pos.Direction == market.DirectionSell {
		move = pos.EntryPrice.Sub(mid)
	}
	pct, _ := move.Div(pos.EntryPrice).Float64()

	if tp := t.cfg.TakeProfitPct; tp > 0 && pct >= tp {
		return true, "take_profit"
	}
	if sl := t.cfg.StopLossFor(pos.Sport); sl > 0 && pct <= -sl {
		return true, "stop_loss"
	}
	return false, ""
}

// requestExit sends the unwind order through the normal execution path. The
// fill comes back with CloseOf set and closeAt finalizes.
func (t *Tracker) requestExit(pos *market.Position, quote *market.Price, reason string) {
	exitDir := market.DirectionSell
	limit := quote.YesBid
	if pos.Direction == market.DirectionSell {
		exitDir = market.DirectionBuy
		limit = quote.YesAsk
	}

	t.mu.Lock()
	t.exiting[pos.TradeID] = struct{}{}
	t.breaches[pos.TradeID] = 0
	t.mu.Unlock()

	t.bus.Publish(bus.TopicExecRequests, &market.ExecutionRequest{
		IdempotencyKey: "exit-" + pos.TradeID,
		CloseOf:        pos.TradeID,
		Platform:       pos.Platform,
		MarketID:       pos.MarketID,
		Side:           pos.Side,
		Direction:      exitDir,
		LimitPrice:     limit,
		Size:           pos.Size,
		ContractTeam:   pos.ContractTeam,
		SignalID:       pos.TradeID,
		GameID:         pos.GameID,
		Sport:          pos.Sport,
		CreatedAt:      time.Now(),
	})

	held := *pos
	held.State = market.PositionExiting
	held.ExitReason = reason
	t.publish(held, "exiting", time.Time{})
	t.log.Info("exit requested",
		zap.String("trade", pos.TradeID),
		zap.String("reason", reason),
		zap.String("limit", limit.String()))
}
