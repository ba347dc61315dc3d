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
)

// checkArb looks for a cross-venue lock on one market type: buy YES on one
// venue and NO on the other; when the pair costs under 100 cents the
// difference is guaranteed profit at settlement. Both quotes are oriented
// to the home contract first so the YES/NO pairing lines up.
func (s *Shard) checkArb(ctx context.Context, gc *gameContext, mt market.Type, now time.Time) {
	ids := gc.marketsFor(mt)
	kID, okK := ids[market.PlatformKalshi]
	pID, okP := ids[market.PlatformPolymarket]
	if !okK || !okP {
		return
	}

	kp := gc.quoteFor(market.PlatformKalshi, kID, gc.info.HomeTeam, s)
	pp := gc.quoteFor(market.PlatformPolymarket, pID, gc.info.HomeTeam, s)
	if kp == nil || pp == nil || kp.EmptyBook() || pp.EmptyBook() {
		return
	}
	if s.cfg.MarketDataTTL > 0 &&
		(kp.Age(now) > s.cfg.MarketDataTTL || pp.Age(now) > s.cfg.MarketDataTTL) {
		return
	}
	if !s.compatibleTitles(gc, kp, pp) {
		return
	}

	kBid, kAsk := centsOf(kp.YesBid), centsOf(kp.YesAsk)
	pBid, pAsk := centsOf(pp.YesBid), centsOf(pp.YesAsk)
	if kBid <= 0 || pBid <= 0 || kAsk <= 0 || pAsk <= 0 {
		return
	}

	// Pattern A: YES at the Polymarket ask, NO at Kalshi for 100-bid.
	// Pattern B: YES at the Kalshi ask, NO at Polymarket for 100-bid.
	costA := pAsk + (100 - kBid)
	costB := kAsk + (100 - pBid)

	yes, no, cost := pp, kp, costA
	if costB < costA {
		yes, no, cost = kp, pp, costB
	}
	if cost >= 100 {
		gc.lastArbCost[mt] = 0
		return
	}
	// The same book state keeps re-reporting the same cost; emit once per
	// distinct cost.
	if gc.lastArbCost[mt] == int(cost) {
		return
	}
	if !s.breaker.Allow(now) {
		return
	}
	gc.lastArbCost[mt] = int(cost)

	profit := int(100 - cost)
	noBid := centsOf(no.YesBid)
	sig := &market.Signal{
		SignalID:   uuid.NewString(),
		Type:       market.SignalCrossMarketArb,
		GameID:     gc.info.GameID,
		Sport:      gc.info.Sport,
		Team:       yes.ContractTeam,
		Direction:  market.DirectionBuy,
		Platform:   yes.Platform,
		MarketID:   yes.MarketID,
		MarketType: mt,
		MarketProb: yes.YesAsk,
		EdgePct:    decimal.NewFromInt(int64(profit)),
		Confidence: decimal.NewFromInt(1),
		Reason:     fmt.Sprintf("cross-venue pair costs %d cents, locks %d", cost, profit),
		ArbLeg: &market.ArbLeg{
			Platform:  no.Platform,
			MarketID:  no.MarketID,
			Side:      market.SideNo,
			Team:      no.ContractTeam,
			CostCents: int(100 - noBid),
			Limit:     decimal.New(100-noBid, -2),
		},
		ProfitCentsPair: profit,
		CreatedAt:       now,
	}
	if gc.hasProb {
		sig.ModelProb = decimal.NewFromFloat(gc.probFor(yes.ContractTeam, s))
	}

	s.bus.Publish(bus.TopicArbSignals, sig)
	s.met.RecordArb(string(mt), float64(profit))
	if err := s.store.SaveArb(ctx, &store.ArbOpportunity{
		GameID:             gc.info.GameID,
		MarketType:         string(mt),
		KalshiMarketID:     kID,
		PolymarketMarketID: pID,
		CostCents:          int(cost),
		ProfitCents:        profit,
	}); err != nil {
		s.log.Warn("persist arb failed", zap.Error(err))
	}
	s.log.Info("arb detected",
		zap.String("game", gc.info.GameID),
		zap.String("market_type", string(mt)),
		zap.Int64("cost_cents", cost),
		zap.Int("profit_cents", profit))
}

// compatibleTitles cross-checks the two venues' parsed titles when both are
// known; unparseable or missing titles fall back to the orchestrator's
// pairing.
func (s *Shard) compatibleTitles(gc *gameContext, kp, pp *market.Price) bool {
	if kp.MarketTitle == "" || pp.MarketTitle == "" {
		return true
	}
	a := s.parser.Parse(kp.MarketTitle)
	b := s.parser.Parse(pp.MarketTitle)
	if a == nil || b == nil {
		return true
	}
	return a.Compatible(b, s.matcher.SameTeam(gc.info.Sport))
}
