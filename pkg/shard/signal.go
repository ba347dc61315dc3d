package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
)

const (
	// Base edge demanded on top of fees and half the spread, in points.
	baseEdgePts = 1.0

	// A direction flip on a market needs this multiple of the required
	// edge; re-signaling the same direction is suppressed entirely.
	flipFactor = 2.0
)

// evalShift evaluates every moneyline market after a qualifying probability
// shift. The shift's sign picks the target team.
func (s *Shard) evalShift(ctx context.Context, gc *gameContext, shift float64, now time.Time) {
	target := gc.info.HomeTeam
	if shift < 0 {
		target = gc.info.AwayTeam
	}
	targetProb := gc.probFor(target, s)

	for platform, marketID := range gc.marketsFor(market.TypeMoneyline) {
		p := gc.quoteFor(platform, marketID, target, s)
		if p == nil {
			continue
		}
		s.tryEmit(ctx, gc, p, targetProb, market.SignalWinProbShift, now)
	}
}

// quoteFor returns the cached quote for a market oriented to the given
// team, inverting the other team's contract when that is the one on hand.
func (gc *gameContext) quoteFor(platform market.Platform, marketID, team string, s *Shard) *market.Price {
	same := s.matcher.SameTeam(gc.info.Sport)
	var other *market.Price
	for _, p := range gc.prices {
		if p.Platform != platform || p.MarketID != marketID {
			continue
		}
		if same(p.ContractTeam, team) {
			return p
		}
		other = p
	}
	if other == nil {
		return nil
	}
	return other.Invert(team)
}

// tryEmit runs the edge calculation for one oriented quote and publishes a
// signal when it clears every gate.
func (s *Shard) tryEmit(ctx context.Context, gc *gameContext, p *market.Price, targetProb float64, sigType market.SignalType, now time.Time) {
	if p.Status != market.StatusOpen || p.EmptyBook() {
		return
	}
	if s.cfg.MarketDataTTL > 0 && p.Age(now) > s.cfg.MarketDataTTL {
		return
	}

	bid, _ := p.YesBid.Float64()
	ask, _ := p.YesAsk.Float64()
	buyEdge := (targetProb - ask) * 100
	sellEdge := (bid - targetProb) * 100

	dir, edge, execPrice := market.DirectionBuy, buyEdge, p.YesAsk
	if sellEdge > buyEdge {
		dir, edge, execPrice = market.DirectionSell, sellEdge, p.YesBid
	}

	required := s.requiredEdge(p, dir)
	if edge < required {
		return
	}
	if sigType == market.SignalMarketMispricing && edge < s.cfg.MispricingMinEdge {
		return
	}

	// Hysteresis is tracked in home-contract orientation so the shift and
	// mispricing paths cannot flip-flop each other through the away side.
	homeDir := dir
	if !s.matcher.SameTeam(gc.info.Sport)(p.ContractTeam, gc.info.HomeTeam) {
		homeDir = opposite(dir)
	}
	key := string(p.Platform) + "|" + p.MarketID
	if last, ok := gc.lastDir[key]; ok {
		if last == homeDir {
			return
		}
		if edge < flipFactor*required {
			return
		}
	}

	if s.cooldowns.Active(gc.info.GameID, now) {
		return
	}
	if !s.breaker.Allow(now) {
		return
	}

	sig := &market.Signal{
		SignalID:   uuid.NewString(),
		Type:       sigType,
		GameID:     gc.info.GameID,
		Sport:      gc.info.Sport,
		Team:       p.ContractTeam,
		Direction:  dir,
		Platform:   p.Platform,
		MarketID:   p.MarketID,
		MarketType: p.MarketType,
		ModelProb:  decimal.NewFromFloat(targetProb),
		MarketProb: execPrice,
		EdgePct:    decimal.NewFromFloat(edge),
		Confidence: decimal.NewFromFloat(confidence(edge, required)),
		Reason: fmt.Sprintf("model %.3f vs %s %.3f on %s, edge %.1f (need %.1f)",
			targetProb, dir, priceFloat(execPrice), p.ContractTeam, edge, required),
		PlayID:    gc.lastPlayID,
		CreatedAt: now,
	}
	gc.lastDir[key] = homeDir

	s.bus.Publish(bus.TopicSignals, sig)
	s.met.RecordSignal(string(sigType), string(dir), edge)
	if err := s.store.SaveSignal(ctx, &store.TradingSignal{
		SignalID:   sig.SignalID,
		GameID:     sig.GameID,
		Sport:      string(sig.Sport),
		Type:       string(sig.Type),
		Platform:   string(sig.Platform),
		MarketID:   sig.MarketID,
		MarketType: string(sig.MarketType),
		Team:       sig.Team,
		Direction:  string(sig.Direction),
		ModelProb:  sig.ModelProb,
		MarketProb: sig.MarketProb,
		EdgePct:    sig.EdgePct,
		Status:     "emitted",
	}); err != nil {
		s.log.Warn("persist signal failed", zap.Error(err))
	}
	s.log.Info("signal emitted",
		zap.String("signal", sig.SignalID),
		zap.String("type", string(sigType)),
		zap.String("game", sig.GameID),
		zap.String("team", sig.Team),
		zap.String("direction", string(dir)),
		zap.Float64("edge_pct", edge))
}

// requiredEdge is the venue-aware hurdle in points: estimated taker fee
// plus half the spread plus the base edge.
func (s *Shard) requiredEdge(p *market.Price, dir market.Direction) float64 {
	bid, _ := p.YesBid.Float64()
	ask, _ := p.YesAsk.Float64()
	spread := (ask - bid) * 100
	if spread < 0 {
		spread = 0
	}

	fee := 0.0
	if p.Platform == market.PlatformKalshi {
		px := p.YesAsk
		if dir == market.DirectionSell {
			px = p.YesBid
		}
		fee = float64(kalshi.FeeCents(centsOf(px)))
	}
	return fee + spread/2 + baseEdgePts
}

// confidence scales edge against the hurdle: meeting it exactly scores 0.5,
// doubling it saturates at 1.
func confidence(edge, required float64) float64 {
	if required <= 0 {
		return 1
	}
	c := edge / (2 * required)
	if c > 1 {
		return 1
	}
	return c
}

func opposite(d market.Direction) market.Direction {
	if d == market.DirectionBuy {
		return market.DirectionSell
	}
	return market.DirectionBuy
}

func centsOf(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func priceFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
