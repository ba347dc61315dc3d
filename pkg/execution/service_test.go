package execution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newPaperService(balance int64) *Service {
	return New(config.ExecutionConfig{
		SlippagePct: 1,
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	}, true, Deps{
		Account: market.NewAccount(market.NewBankroll(decimal.NewFromInt(balance))),
		Bus:     bus.New(),
		Metrics: metrics.New(),
		Log:     zap.NewNop(),
	})
}

func buyRequest(key string, size int64, limit float64) *market.ExecutionRequest {
	return &market.ExecutionRequest{
		IdempotencyKey: key,
		Platform:       market.PlatformKalshi,
		MarketID:       "KX-BOS",
		Side:           market.SideYes,
		Direction:      market.DirectionBuy,
		LimitPrice:     dec(limit),
		Size:           decimal.NewFromInt(size),
		ContractTeam:   "Boston Celtics",
		SignalID:       key,
		GameID:         "g1",
		Sport:          feed.SportNBA,
		CreatedAt:      time.Now(),
	}
}

func recvResult(t *testing.T, ch <-chan bus.Message) *market.ExecutionResult {
	t.Helper()
	select {
	case msg := <-ch:
		res, ok := msg.Payload.(*market.ExecutionResult)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return res
	case <-time.After(time.Second):
		t.Fatal("no execution result")
		return nil
	}
}

func TestPaperFillAppliesSlippageAndFees(t *testing.T) {
	s := newPaperService(1000)
	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 100, 0.50))
	res := recvResult(t, ch)

	if res.Status != market.ExecFilled {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if res.AvgPrice.String() != "0.505" {
		t.Errorf("avg price = %s, want 0.505", res.AvgPrice)
	}
	// 2 cents per contract at a ~50c fill.
	if res.Fees.String() != "2" {
		t.Errorf("fees = %s, want 2", res.Fees)
	}
	// 100 * 0.505 + 2.00 debited.
	if got := s.account.Available().String(); got != "947.5" {
		t.Errorf("balance = %s, want 947.5", got)
	}
}

func TestDuplicateKeyProducesOneResult(t *testing.T) {
	s := newPaperService(1000)
	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 10, 0.50))
	s.Handle(context.Background(), buyRequest("k1", 10, 0.50))

	recvResult(t, ch)
	select {
	case msg := <-ch:
		t.Fatalf("second result emitted: %+v", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRejectedKeyCanRetry(t *testing.T) {
	s := newPaperService(1000)
	s.cachePrice(&market.Price{
		MarketID:     "KX-BOS",
		Platform:     market.PlatformKalshi,
		ContractTeam: "Boston Celtics",
		YesBid:       decimal.Zero,
		YesAsk:       decimal.NewFromInt(1),
		Status:       market.StatusClosed,
		Timestamp:    time.Now(),
	})

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("exit-t1", 100, 0.50))
	res := recvResult(t, ch)
	if res.Status != market.ExecRejected || res.Reason != market.ReasonEmptyBook {
		t.Fatalf("first attempt = %s/%s", res.Status, res.Reason)
	}

	// Liquidity returns; the identical retry key must execute, not vanish.
	s.cachePrice(&market.Price{
		MarketID:     "KX-BOS",
		Platform:     market.PlatformKalshi,
		ContractTeam: "Boston Celtics",
		YesBid:       dec(0.48),
		YesAsk:       dec(0.50),
		BidSize:      decimal.NewFromInt(500),
		AskSize:      decimal.NewFromInt(500),
		Status:       market.StatusOpen,
		Timestamp:    time.Now(),
	})
	s.Handle(context.Background(), buyRequest("exit-t1", 100, 0.50))
	res = recvResult(t, ch)
	if res.Status != market.ExecFilled {
		t.Fatalf("retry = %s (%s), want filled", res.Status, res.Reason)
	}
}

func TestDoneKeysEvicted(t *testing.T) {
	s := newPaperService(1000)
	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 100, 0.50))
	if res := recvResult(t, ch); res.Status != market.ExecFilled {
		t.Fatalf("status = %s", res.Status)
	}

	s.mu.Lock()
	s.done["k1"] = time.Now().Add(-2 * doneTTL)
	s.mu.Unlock()
	s.evictDone(time.Now())

	s.mu.Lock()
	_, kept := s.done["k1"]
	s.mu.Unlock()
	if kept {
		t.Error("expired key survived eviction")
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	s := newPaperService(10)
	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 100, 0.50))
	res := recvResult(t, ch)
	if res.Status != market.ExecRejected || res.Reason != market.ReasonInsufficientBalance {
		t.Errorf("result = %s/%s", res.Status, res.Reason)
	}
	if got := s.account.Available().String(); got != "10" {
		t.Errorf("balance touched on reject: %s", got)
	}
}

func TestTinyOrderRejected(t *testing.T) {
	s := newPaperService(1000)
	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 1, 0.50))
	res := recvResult(t, ch)
	if res.Reason != market.ReasonSizeBelowMin {
		t.Errorf("reason = %s", res.Reason)
	}
}

func TestPolymarketDepthShort(t *testing.T) {
	s := newPaperService(1000)
	s.cachePrice(&market.Price{
		MarketID:     "cond-1",
		Platform:     market.PlatformPolymarket,
		ContractTeam: "Boston Celtics",
		YesBid:       dec(0.48),
		YesAsk:       dec(0.50),
		BidSize:      decimal.NewFromInt(500),
		AskSize:      decimal.NewFromInt(50),
		Status:       market.StatusOpen,
		Timestamp:    time.Now(),
	})

	req := buyRequest("p1", 100, 0.50)
	req.Platform = market.PlatformPolymarket
	req.MarketID = "cond-1"

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), req)
	res := recvResult(t, ch)
	if res.Reason != market.ReasonDepthShort {
		t.Errorf("reason = %s, want DepthShort", res.Reason)
	}
}

func TestEmptyBookRejected(t *testing.T) {
	s := newPaperService(1000)
	s.cachePrice(&market.Price{
		MarketID:     "KX-BOS",
		Platform:     market.PlatformKalshi,
		ContractTeam: "Boston Celtics",
		YesBid:       decimal.Zero,
		YesAsk:       decimal.NewFromInt(1),
		Status:       market.StatusClosed,
		Timestamp:    time.Now(),
	})

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 10, 0.50))
	res := recvResult(t, ch)
	if res.Reason != market.ReasonEmptyBook {
		t.Errorf("reason = %s, want EmptyBook", res.Reason)
	}
}

func TestArbPairBothLegsFill(t *testing.T) {
	s := newPaperService(1000)
	req := buyRequest("arb-1", 50, 0.43)
	req.Platform = market.PlatformPolymarket
	req.MarketID = "cond-1"
	req.OpportunityKey = "arb-1"
	req.ArbLeg = &market.ArbLeg{
		Platform:  market.PlatformKalshi,
		MarketID:  "KX-BOS",
		Side:      market.SideNo,
		Team:      "Boston Celtics",
		CostCents: 40,
		Limit:     dec(0.40),
	}

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), req)
	res := recvResult(t, ch)
	if res.Status != market.ExecFilled {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	if len(res.LegLatenciesMS) != 2 {
		t.Errorf("leg latencies = %v", res.LegLatenciesMS)
	}
	if !s.account.Available().LessThan(decimal.NewFromInt(1000)) {
		t.Error("pair cost not debited")
	}
}

func TestArbPartialFillUnwinds(t *testing.T) {
	s := newPaperService(1000)
	// The NO leg prices against the inverted book; a thin bid on the YES
	// book starves its depth.
	s.cachePrice(&market.Price{
		MarketID:     "cond-1",
		Platform:     market.PlatformPolymarket,
		ContractTeam: "Boston Celtics",
		YesBid:       dec(0.60),
		YesAsk:       dec(0.62),
		BidSize:      decimal.NewFromInt(5),
		AskSize:      decimal.NewFromInt(500),
		Status:       market.StatusOpen,
		Timestamp:    time.Now(),
	})

	req := buyRequest("arb-2", 50, 0.43)
	req.OpportunityKey = "arb-2"
	req.ArbLeg = &market.ArbLeg{
		Platform:  market.PlatformPolymarket,
		MarketID:  "cond-1",
		Side:      market.SideNo,
		Team:      "Boston Celtics",
		CostCents: 40,
		Limit:     dec(0.40),
	}

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), req)
	res := recvResult(t, ch)
	if res.Status != market.ExecPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.Reason != market.ReasonDepthShort {
		t.Errorf("reason = %s", res.Reason)
	}
}

type failingKalshi struct{ calls int }

func (f *failingKalshi) PlaceOrder(context.Context, kalshi.OrderRequest) (*kalshi.OrderResponse, error) {
	f.calls++
	return nil, errors.New("venue 503")
}

type nopPolymarket struct{}

func (nopPolymarket) PostOrder(context.Context, any) (json.RawMessage, error) {
	return nil, nil
}

func TestLiveRetriesThenFails(t *testing.T) {
	venue := &failingKalshi{}
	s := New(config.ExecutionConfig{
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		RetryMax:   2 * time.Millisecond,
	}, false, Deps{
		Kalshi:     venue,
		Polymarket: nopPolymarket{},
		Account:    market.NewAccount(market.NewBankroll(decimal.NewFromInt(1000))),
		Bus:        bus.New(),
		Metrics:    metrics.New(),
		Log:        zap.NewNop(),
	})

	ch, cancel := s.bus.Subscribe(bus.TopicExecResults)
	defer cancel()

	s.Handle(context.Background(), buyRequest("k1", 10, 0.50))
	res := recvResult(t, ch)
	if res.Status != market.ExecFailed || res.Reason != market.ReasonVenueReject {
		t.Errorf("result = %s/%s", res.Status, res.Reason)
	}
	if venue.calls != 3 {
		t.Errorf("attempts = %d, want 3", venue.calls)
	}
}
