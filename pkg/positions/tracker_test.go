package positions

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
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestTracker() *Tracker {
	met := metrics.New()
	log := zap.NewNop()
	return New(config.PositionConfig{
		ExitCheckInterval:     10 * time.Millisecond,
		TakeProfitPct:         0.10,
		DefaultStopLossPct:    0.05,
		PriceStalenessTTL:     10 * time.Second,
		ExitTeamMinConfidence: 0.70,
		ExitDebounceCount:     2,
		WinCooldownSeconds:    60,
		LossCooldownSeconds:   120,
	}, Deps{
		Risk:    risk.NewController(config.RiskConfig{}, met, log),
		Breaker: risk.NewCircuitBreaker("shard-1", config.RiskConfig{}, met, log),
		Account: market.NewAccount(market.NewBankroll(decimal.NewFromInt(1000))),
		Matcher: teams.NewMatcher(),
		Bus:     bus.New(),
		Metrics: met,
		Log:     log,
	})
}

func fill(key string) *market.ExecutionResult {
	return &market.ExecutionResult{
		IdempotencyKey: key,
		Status:         market.ExecFilled,
		FilledQty:      decimal.NewFromInt(100),
		AvgPrice:       dec(0.50),
		Fees:           decimal.NewFromInt(2),
		Platform:       market.PlatformKalshi,
		MarketID:       "KX-BOS",
		Side:           market.SideYes,
		Direction:      market.DirectionBuy,
		ContractTeam:   "Boston Celtics",
		GameID:         "g1",
		Sport:          feed.SportNBA,
		Timestamp:      time.Now(),
	}
}

func quote(team string, bid, ask float64) *market.Price {
	return &market.Price{
		GameID:       "g1",
		Platform:     market.PlatformKalshi,
		MarketID:     "KX-BOS",
		MarketType:   market.TypeMoneyline,
		ContractTeam: team,
		YesBid:       dec(bid),
		YesAsk:       dec(ask),
		BidSize:      decimal.NewFromInt(500),
		AskSize:      decimal.NewFromInt(500),
		Status:       market.StatusOpen,
		Timestamp:    time.Now(),
	}
}

func recvUpdate(t *testing.T, ch <-chan bus.Message) market.PositionUpdate {
	t.Helper()
	select {
	case msg := <-ch:
		up, ok := msg.Payload.(market.PositionUpdate)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return up
	case <-time.After(time.Second):
		t.Fatal("no position update")
		return market.PositionUpdate{}
	}
}

func recvExit(t *testing.T, ch <-chan bus.Message) *market.ExecutionRequest {
	t.Helper()
	select {
	case msg := <-ch:
		req, ok := msg.Payload.(*market.ExecutionRequest)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return req
	case <-time.After(time.Second):
		t.Fatal("no exit request")
		return nil
	}
}

func assertNoMessage(t *testing.T, ch <-chan bus.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenOnFill(t *testing.T) {
	tr := newTestTracker()
	ch, cancel := tr.bus.Subscribe(bus.TopicPositions)
	defer cancel()

	tr.onResult(context.Background(), fill("t1"))

	up := recvUpdate(t, ch)
	if up.Event != "opened" {
		t.Errorf("event = %s", up.Event)
	}
	if tr.OpenCount() != 1 {
		t.Errorf("open count = %d", tr.OpenCount())
	}
	if got := up.Position.EntryPrice.String(); got != "0.5" {
		t.Errorf("entry = %s", got)
	}
}

func TestNonFillIgnored(t *testing.T) {
	tr := newTestTracker()
	res := fill("t1")
	res.Status = market.ExecRejected
	tr.onResult(context.Background(), res)
	if tr.OpenCount() != 0 {
		t.Errorf("open count = %d", tr.OpenCount())
	}
}

func TestCloseOnExitFill(t *testing.T) {
	tr := newTestTracker()
	tr.onResult(context.Background(), fill("t1"))

	ch, cancel := tr.bus.Subscribe(bus.TopicPositions)
	defer cancel()

	exit := fill("exit-t1")
	exit.CloseOf = "t1"
	exit.AvgPrice = dec(0.60)
	exit.Fees = decimal.NewFromInt(1)
	before := time.Now()
	tr.onResult(context.Background(), exit)

	up := recvUpdate(t, ch)
	if up.Event != "closed" {
		t.Errorf("event = %s", up.Event)
	}
	// 100 * 0.10 move - 1 exit fee - 2 entry fees.
	if got := up.Position.RealizedPL.String(); got != "7" {
		t.Errorf("pnl = %s, want 7", got)
	}
	if tr.OpenCount() != 0 {
		t.Errorf("open count = %d", tr.OpenCount())
	}

	// Win cooldown is 60s from the close.
	lo := before.Add(59 * time.Second)
	hi := before.Add(61 * time.Second)
	if up.CooldownUntil.Before(lo) || up.CooldownUntil.After(hi) {
		t.Errorf("cooldown until %v, want ~%v", up.CooldownUntil, before.Add(60*time.Second))
	}

	// Entry cost back plus half the win; the other half banks.
	view := tr.account.View()
	if got := view.Piggybank.String(); got != "3.5" {
		t.Errorf("piggybank = %s, want 3.5", got)
	}
	if got := view.Current.String(); got != "1055.5" {
		t.Errorf("current = %s, want 1055.5", got)
	}
}

func TestLossCooldownLonger(t *testing.T) {
	tr := newTestTracker()
	tr.onResult(context.Background(), fill("t1"))

	ch, cancel := tr.bus.Subscribe(bus.TopicPositions)
	defer cancel()

	exit := fill("exit-t1")
	exit.CloseOf = "t1"
	exit.AvgPrice = dec(0.40)
	exit.Fees = decimal.Zero
	before := time.Now()
	tr.onResult(context.Background(), exit)

	up := recvUpdate(t, ch)
	if !up.Position.RealizedPL.IsNegative() {
		t.Fatalf("pnl = %s, want negative", up.Position.RealizedPL)
	}
	if up.CooldownUntil.Before(before.Add(119 * time.Second)) {
		t.Errorf("loss cooldown until %v, want ~+120s", up.CooldownUntil)
	}
}

func TestSettleGameAtFinal(t *testing.T) {
	tr := newTestTracker()
	tr.onResult(context.Background(), fill("t1"))
	lakers := fill("t2")
	lakers.MarketID = "KX-LAL"
	lakers.ContractTeam = "Los Angeles Lakers"
	tr.onResult(context.Background(), lakers)

	ch, cancel := tr.bus.Subscribe(bus.TopicPositions)
	defer cancel()

	tr.settleGame(context.Background(), &market.GameEnded{
		GameID:    "g1",
		Sport:     feed.SportNBA,
		HomeTeam:  "Boston Celtics",
		AwayTeam:  "Los Angeles Lakers",
		HomeScore: 112,
		AwayScore: 104,
		EndedAt:   time.Now(),
	})

	got := map[string]decimal.Decimal{}
	for i := 0; i < 2; i++ {
		up := recvUpdate(t, ch)
		if up.Event != "settled" {
			t.Errorf("event = %s", up.Event)
		}
		got[up.Position.TradeID] = up.Position.RealizedPL
	}
	// Winner settles at 1, loser at 0; no fees beyond entry.
	if got["t1"].String() != "48" {
		t.Errorf("winner pnl = %s, want 48", got["t1"])
	}
	if got["t2"].String() != "-52" {
		t.Errorf("loser pnl = %s, want -52", got["t2"])
	}
	if tr.OpenCount() != 0 {
		t.Errorf("open count = %d", tr.OpenCount())
	}
}

func TestSettleAmbiguousTeamPushes(t *testing.T) {
	tr := newTestTracker()
	tr.onResult(context.Background(), fill("t1"))

	ch, cancel := tr.bus.Subscribe(bus.TopicPositions)
	defer cancel()

	// The contract team matches neither side of the ended game.
	tr.settleGame(context.Background(), &market.GameEnded{
		GameID:    "g1",
		Sport:     feed.SportNBA,
		HomeTeam:  "Denver Nuggets",
		AwayTeam:  "Miami Heat",
		HomeScore: 110,
		AwayScore: 98,
		EndedAt:   time.Now(),
	})

	up := recvUpdate(t, ch)
	if up.Event != "settled" {
		t.Errorf("event = %s", up.Event)
	}
	// Stake returned at entry; only the entry fees are gone.
	if got := up.Position.RealizedPL.String(); got != "-2" {
		t.Errorf("pnl = %s, want -2", got)
	}
	if tr.OpenCount() != 0 {
		t.Errorf("open count = %d", tr.OpenCount())
	}
}

func TestExitTakeProfitDebounced(t *testing.T) {
	tr := newTestTracker()
	tr.onResult(context.Background(), fill("t1"))
	tr.cachePrice(quote("Boston Celtics", 0.56, 0.58))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()

	// Mid 0.57 is a 14% gain; the first breach only arms the debounce.
	tr.checkExits(time.Now())
	assertNoMessage(t, ch)

	tr.checkExits(time.Now())
	req := recvExit(t, ch)
	if req.CloseOf != "t1" {
		t.Errorf("close of = %q", req.CloseOf)
	}
	if req.Direction != market.DirectionSell {
		t.Errorf("direction = %s", req.Direction)
	}
	if got := req.LimitPrice.String(); got != "0.56" {
		t.Errorf("limit = %s, want bid 0.56", got)
	}

	// In-flight exit holds further requests.
	tr.checkExits(time.Now())
	assertNoMessage(t, ch)
}

func TestExitStopLossUsesSportTable(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	// NBA stop loss is 3%; a 4% drawdown trips it even though the default is 5%.
	tr.cachePrice(quote("Boston Celtics", 0.47, 0.49))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()
	posCh, cancelPos := tr.bus.Subscribe(bus.TopicPositions)
	defer cancelPos()

	tr.checkExits(time.Now())
	req := recvExit(t, ch)
	if req.CloseOf != "t1" {
		t.Errorf("close of = %q", req.CloseOf)
	}
	up := recvUpdate(t, posCh)
	if up.Event != "exiting" || up.Position.ExitReason != "stop_loss" {
		t.Errorf("update = %s/%s", up.Event, up.Position.ExitReason)
	}
}

func TestExitRespectsMinHold(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.MinHoldSeconds = 60
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	tr.cachePrice(quote("Boston Celtics", 0.70, 0.72))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()
	tr.checkExits(time.Now())
	assertNoMessage(t, ch)
}

func TestExitSkipsStaleQuote(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	q := quote("Boston Celtics", 0.70, 0.72)
	q.Timestamp = time.Now().Add(-time.Minute)
	tr.cachePrice(q)

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()
	tr.checkExits(time.Now())
	assertNoMessage(t, ch)
}

func TestExitSkipsWideSpread(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	tr.cachePrice(quote("Boston Celtics", 0.10, 0.90))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()
	tr.checkExits(time.Now())
	assertNoMessage(t, ch)
}

func TestExitQuoteInvertedFromOtherTeam(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	// Only the opposing contract is quoted; 0.40/0.44 inverts to 0.56/0.60.
	tr.cachePrice(quote("Los Angeles Lakers", 0.40, 0.44))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()
	tr.checkExits(time.Now())
	req := recvExit(t, ch)
	if got := req.LimitPrice.String(); got != "0.56" {
		t.Errorf("limit = %s, want inverted bid 0.56", got)
	}
}

func TestFailedExitRetries(t *testing.T) {
	tr := newTestTracker()
	tr.cfg.ExitDebounceCount = 1
	tr.onResult(context.Background(), fill("t1"))
	tr.cachePrice(quote("Boston Celtics", 0.56, 0.58))

	ch, cancel := tr.bus.Subscribe(bus.TopicExecRequests)
	defer cancel()

	tr.checkExits(time.Now())
	recvExit(t, ch)

	// Venue turned the exit down; the latch clears and the monitor retries.
	failed := &market.ExecutionResult{
		IdempotencyKey: "exit-t1",
		CloseOf:        "t1",
		Status:         market.ExecRejected,
		Reason:         market.ReasonVenueReject,
	}
	tr.onResult(context.Background(), failed)

	tr.checkExits(time.Now())
	if req := recvExit(t, ch); req.CloseOf != "t1" {
		t.Errorf("close of = %q", req.CloseOf)
	}
	if tr.OpenCount() != 1 {
		t.Errorf("open count = %d, position must survive a failed exit", tr.OpenCount())
	}
}
