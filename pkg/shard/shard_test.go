package shard

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/marketparse"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/model"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

type fixedModel struct{ prob float64 }

func (m fixedModel) HomeWinProb(context.Context, *feed.GameInfo, *feed.GameState) (float64, error) {
	return m.prob, nil
}

func newTestShard(prob float64) *Shard {
	log := zap.NewNop()
	met := metrics.New()
	riskCfg := config.RiskConfig{
		BreakerMaxErrors: 3,
		BreakerCooldown:  time.Minute,
	}
	return &Shard{
		id: "shard-a",
		cfg: config.ShardConfig{
			MaxGames:            5,
			DefaultPollInterval: time.Second,
			HalftimeInterval:    5 * time.Second,
			CrunchTimeInterval:  500 * time.Millisecond,
			HeartbeatInterval:   time.Second,
			MarketDataTTL:       10 * time.Second,
			MispricingMinEdge:   5,
			MinProbShift:        0.02,
		},
		model:     &model.Clamped{Inner: fixedModel{prob: prob}},
		matcher:   teams.NewMatcher(),
		parser:    &marketparse.Parser{},
		breaker:   risk.NewCircuitBreaker("shard-a", riskCfg, met, log),
		bus:       bus.New(),
		met:       met,
		log:       log,
		cooldowns: market.NewCooldownLedger(),
		games:     make(map[string]*gameContext),
	}
}

func testGameContext() *gameContext {
	return newGameContext(Command{
		Type:     CommandAddGame,
		GameID:   "g1",
		Sport:    feed.SportNBA,
		HomeTeam: "Boston Celtics",
		AwayTeam: "Los Angeles Lakers",
		Markets: map[market.Type]map[market.Platform]string{
			market.TypeMoneyline: {
				market.PlatformKalshi:     "KXNBAGAME-X-BOS",
				market.PlatformPolymarket: "cond-1",
			},
		},
	}, func() {})
}

func quote(platform market.Platform, marketID, team string, bid, ask float64) *market.Price {
	return &market.Price{
		MarketID:     marketID,
		Platform:     platform,
		ContractTeam: team,
		GameID:       "g1",
		MarketType:   market.TypeMoneyline,
		YesBid:       decimal.NewFromFloat(bid),
		YesAsk:       decimal.NewFromFloat(ask),
		Status:       market.StatusOpen,
		Timestamp:    time.Now(),
	}
}

func cache(gc *gameContext, p *market.Price) {
	gc.prices[priceKey(p.Platform, p.MarketID, p.ContractTeam)] = p
}

func recvSignal(t *testing.T, ch <-chan bus.Message) *market.Signal {
	t.Helper()
	select {
	case msg := <-ch:
		sig, ok := msg.Payload.(*market.Signal)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return sig
	case <-time.After(time.Second):
		t.Fatal("no signal published")
		return nil
	}
}

func assertNoSignal(t *testing.T, ch <-chan bus.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCrunchTime(t *testing.T) {
	tests := []struct {
		name  string
		state feed.GameState
		want  bool
	}{
		{
			name: "close late game",
			state: feed.GameState{
				Sport: feed.SportNBA, Period: 4, TimeRemainingSeconds: 200,
				HomeScore: 100, AwayScore: 95, Status: feed.StatusInProgress,
			},
			want: true,
		},
		{
			name: "blowout late game",
			state: feed.GameState{
				Sport: feed.SportNBA, Period: 4, TimeRemainingSeconds: 200,
				HomeScore: 110, AwayScore: 85, Status: feed.StatusInProgress,
			},
			want: false,
		},
		{
			name: "close early game",
			state: feed.GameState{
				Sport: feed.SportNBA, Period: 2, TimeRemainingSeconds: 400,
				HomeScore: 50, AwayScore: 48, Status: feed.StatusInProgress,
			},
			want: false,
		},
		{
			name: "clockless sport in final period",
			state: feed.GameState{
				Sport: feed.SportMLB, Period: 9,
				HomeScore: 3, AwayScore: 2, Status: feed.StatusInProgress,
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := crunchTime(&tt.state); got != tt.want {
				t.Errorf("crunchTime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPollIntervalCadence(t *testing.T) {
	s := newTestShard(0.6)

	if got := s.pollInterval(nil); got != time.Second {
		t.Errorf("nil state interval = %v", got)
	}
	half := &feed.GameState{Sport: feed.SportNBA, Period: 2, Status: feed.StatusHalftime}
	if got := s.pollInterval(half); got != 5*time.Second {
		t.Errorf("halftime interval = %v", got)
	}
	crunch := &feed.GameState{
		Sport: feed.SportNBA, Period: 4, TimeRemainingSeconds: 100,
		HomeScore: 100, AwayScore: 98, Status: feed.StatusInProgress,
	}
	if got := s.pollInterval(crunch); got != 500*time.Millisecond {
		t.Errorf("crunch interval = %v", got)
	}
}

func TestShiftSignalEmitted(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.prob, gc.hasProb = 0.60, true
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.48, 0.50))

	ch, cancel := s.bus.Subscribe(bus.TopicSignals)
	defer cancel()

	s.evalShift(context.Background(), gc, +0.05, time.Now())

	sig := recvSignal(t, ch)
	if sig.Type != market.SignalWinProbShift {
		t.Errorf("type = %s", sig.Type)
	}
	if sig.Direction != market.DirectionBuy {
		t.Errorf("direction = %s", sig.Direction)
	}
	if sig.Team != "Boston Celtics" {
		t.Errorf("team = %q", sig.Team)
	}
	// model 0.60 against the 0.50 ask.
	if got, _ := sig.EdgePct.Float64(); got < 9.9 || got > 10.1 {
		t.Errorf("edge = %v, want ~10", got)
	}
	if sig.Synthetic() {
		t.Error("signal with a market price must not be synthetic")
	}
}

func TestEdgeBelowHurdleSuppressed(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.prob, gc.hasProb = 0.53, true
	// Buy edge is 3 points; the kalshi fee (2) + half spread (1) + base (1)
	// demands 4.
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.48, 0.50))

	ch, cancel := s.bus.Subscribe(bus.TopicSignals)
	defer cancel()

	s.evalShift(context.Background(), gc, +0.03, time.Now())
	assertNoSignal(t, ch)
}

func TestHysteresis(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.prob, gc.hasProb = 0.60, true
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.48, 0.50))

	ch, cancel := s.bus.Subscribe(bus.TopicSignals)
	defer cancel()

	s.evalShift(context.Background(), gc, +0.05, time.Now())
	recvSignal(t, ch)

	// Same direction again is idempotent.
	s.evalShift(context.Background(), gc, +0.05, time.Now())
	assertNoSignal(t, ch)

	// A flip with edge under 2x the hurdle stays suppressed: away target
	// prob 0.56 against the inverted 0.52 ask is 4 points, hurdle 4.
	gc.prob = 0.44
	s.evalShift(context.Background(), gc, -0.16, time.Now())
	assertNoSignal(t, ch)

	// A decisive flip clears 2x: away target prob 0.70, edge 18.
	gc.prob = 0.30
	s.evalShift(context.Background(), gc, -0.14, time.Now())
	sig := recvSignal(t, ch)
	if sig.Team != "Los Angeles Lakers" || sig.Direction != market.DirectionBuy {
		t.Errorf("flip signal = %s %s, want buy Los Angeles Lakers", sig.Direction, sig.Team)
	}
}

func TestCooldownSuppressesSignals(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.prob, gc.hasProb = 0.60, true
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.48, 0.50))
	s.cooldowns.Set("g1", time.Now().Add(time.Minute))

	ch, cancel := s.bus.Subscribe(bus.TopicSignals)
	defer cancel()

	s.evalShift(context.Background(), gc, +0.05, time.Now())
	assertNoSignal(t, ch)
}

func TestMispricingNeedsLargerEdge(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.prob, gc.hasProb = 0.54, true

	ch, cancel := s.bus.Subscribe(bus.TopicSignals)
	defer cancel()

	// Polymarket has no taker fee, so the hurdle is half spread + base = 2
	// points. A 4-point edge clears it but not the 5-point mispricing gate.
	p := quote(market.PlatformPolymarket, "cond-1", "Boston Celtics", 0.48, 0.50)
	s.tryEmit(context.Background(), gc, p, 0.54, market.SignalMarketMispricing, time.Now())
	assertNoSignal(t, ch)

	s.tryEmit(context.Background(), gc, p, 0.60, market.SignalMarketMispricing, time.Now())
	sig := recvSignal(t, ch)
	if sig.Type != market.SignalMarketMispricing {
		t.Errorf("type = %s", sig.Type)
	}
}

func TestQuoteOrientationInverts(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()

	// Only the away contract is cached; asking for the home side inverts.
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Los Angeles Lakers", 0.40, 0.44))
	p := gc.quoteFor(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", s)
	if p == nil {
		t.Fatal("no quote")
	}
	if p.ContractTeam != "Boston Celtics" {
		t.Errorf("contract team = %q", p.ContractTeam)
	}
	if got, _ := p.YesBid.Float64(); got != 0.56 {
		t.Errorf("inverted bid = %v, want 0.56", got)
	}
	if got, _ := p.YesAsk.Float64(); got != 0.60 {
		t.Errorf("inverted ask = %v, want 0.60", got)
	}
}

func TestArbDetection(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.60, 0.62))
	cache(gc, quote(market.PlatformPolymarket, "cond-1", "Boston Celtics", 0.40, 0.43))

	ch, cancel := s.bus.Subscribe(bus.TopicArbSignals)
	defer cancel()

	// YES at the polymarket 43c ask plus NO at kalshi for 100-60 costs 83,
	// locking 17 per pair.
	s.checkArb(context.Background(), gc, market.TypeMoneyline, time.Now())
	sig := recvSignal(t, ch)
	if sig.Type != market.SignalCrossMarketArb {
		t.Errorf("type = %s", sig.Type)
	}
	if sig.Platform != market.PlatformPolymarket {
		t.Errorf("yes leg platform = %s", sig.Platform)
	}
	if sig.ProfitCentsPair != 17 {
		t.Errorf("profit = %d, want 17", sig.ProfitCentsPair)
	}
	if sig.ArbLeg == nil {
		t.Fatal("missing arb leg")
	}
	if sig.ArbLeg.Platform != market.PlatformKalshi || sig.ArbLeg.Side != market.SideNo {
		t.Errorf("arb leg = %+v", sig.ArbLeg)
	}
	if sig.ArbLeg.CostCents != 40 {
		t.Errorf("no-leg cost = %d, want 40", sig.ArbLeg.CostCents)
	}

	// The same book state must not re-emit.
	s.checkArb(context.Background(), gc, market.TypeMoneyline, time.Now())
	assertNoSignal(t, ch)
}

func TestArbRespectsBreaker(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.60, 0.62))
	cache(gc, quote(market.PlatformPolymarket, "cond-1", "Boston Celtics", 0.40, 0.43))

	now := time.Now()
	s.breaker.RecordError(now)
	s.breaker.RecordError(now)
	s.breaker.RecordError(now)

	ch, cancel := s.bus.Subscribe(bus.TopicArbSignals)
	defer cancel()

	s.checkArb(context.Background(), gc, market.TypeMoneyline, now)
	assertNoSignal(t, ch)
}

func TestNoArbWhenPairCostsOverDollar(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	cache(gc, quote(market.PlatformKalshi, "KXNBAGAME-X-BOS", "Boston Celtics", 0.55, 0.58))
	cache(gc, quote(market.PlatformPolymarket, "cond-1", "Boston Celtics", 0.54, 0.57))

	ch, cancel := s.bus.Subscribe(bus.TopicArbSignals)
	defer cancel()

	s.checkArb(context.Background(), gc, market.TypeMoneyline, time.Now())
	assertNoSignal(t, ch)
}

func TestRemoveNearFinalSettles(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.setState(&feed.GameState{
		GameID: "g1", Sport: feed.SportNBA,
		HomeScore: 112, AwayScore: 104,
		Period: 4, TimeRemainingSeconds: 5,
		Status: feed.StatusInProgress,
	})
	s.games["g1"] = gc

	ch, cancel := s.bus.Subscribe(bus.TopicGamesEnded)
	defer cancel()

	s.removeGame("g1")
	select {
	case msg := <-ch:
		ge, ok := msg.Payload.(market.GameEnded)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		if ge.GameID != "g1" || ge.HomeScore != 112 || ge.AwayScore != 104 {
			t.Errorf("game ended = %+v", ge)
		}
		if !ge.HomeWon() {
			t.Error("home should have won")
		}
	case <-time.After(time.Second):
		t.Fatal("no game-ended event")
	}
}

func TestRemoveEarlyDoesNotSettle(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	gc.setState(&feed.GameState{
		GameID: "g1", Sport: feed.SportNBA,
		HomeScore: 55, AwayScore: 50,
		Period: 2, TimeRemainingSeconds: 300,
		Status: feed.StatusInProgress,
	})
	s.games["g1"] = gc

	ch, cancel := s.bus.Subscribe(bus.TopicGamesEnded)
	defer cancel()

	s.removeGame("g1")
	assertNoSignal(t, ch)
}

func TestReaddUpdatesMarkets(t *testing.T) {
	s := newTestShard(0.6)
	gc := testGameContext()
	s.games["g1"] = gc

	s.addGame(context.Background(), Command{
		Type:   CommandAddGame,
		GameID: "g1",
		Sport:  feed.SportNBA,
		Markets: map[market.Type]map[market.Platform]string{
			market.TypeMoneyline: {market.PlatformKalshi: "KXNBAGAME-X-LAL"},
		},
	})

	ids := gc.marketsFor(market.TypeMoneyline)
	if ids[market.PlatformKalshi] != "KXNBAGAME-X-LAL" {
		t.Errorf("markets not replaced: %+v", ids)
	}
	if s.GameCount() != 1 {
		t.Errorf("game count = %d", s.GameCount())
	}
}

func TestBreakerTripAlertOnce(t *testing.T) {
	s := newTestShard(0.6)
	ch, cancel := s.bus.Subscribe(bus.TopicSystemAlerts)
	defer cancel()

	now := time.Now()
	s.breaker.RecordError(now)
	s.breaker.RecordError(now)
	s.breaker.RecordError(now)

	s.heartbeat()
	select {
	case msg := <-ch:
		a, ok := msg.Payload.(market.Alert)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		if a.Kind != market.AlertCircuitOpen || a.Source != "shard.shard-a" {
			t.Errorf("alert = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("no circuit-open alert")
	}

	// Still tripped: no duplicate alert on the next beat.
	s.heartbeat()
	select {
	case msg := <-ch:
		if _, ok := msg.Payload.(market.Alert); ok {
			t.Fatal("duplicate circuit-open alert")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
