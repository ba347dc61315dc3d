// Package execution turns accepted requests into fills. Paper mode
// simulates against live quotes with slippage, depth, and venue fees; live
// mode submits to the venues with bounded retries. Either way a request
// produces exactly one result, keyed by its idempotency key.
package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
)

// synthHalfSpread is the one-cent half spread assumed when no live quote is
// cached for a market.
var synthHalfSpread = decimal.NewFromFloat(0.01)

var minNotionalUSD = decimal.NewFromInt(1)

// doneTTL bounds the executed-key memory. At-most-once only has to cover
// the redelivery window, not the process lifetime.
const doneTTL = time.Hour

type kalshiVenue interface {
	PlaceOrder(ctx context.Context, order kalshi.OrderRequest) (*kalshi.OrderResponse, error)
}

type polymarketVenue interface {
	PostOrder(ctx context.Context, payload any) (json.RawMessage, error)
}

// Deps are the service's collaborators. Venue clients may be nil in paper
// mode.
type Deps struct {
	Kalshi     kalshiVenue
	Polymarket polymarketVenue
	Account    *market.Account
	Bus        *bus.Bus
	Store      *store.Store
	Metrics    *metrics.EngineMetrics
	Log        *zap.Logger
}

// Service consumes execution requests and emits one result each.
type Service struct {
	cfg     config.ExecutionConfig
	paper   bool
	kalshi  kalshiVenue
	poly    polymarketVenue
	account *market.Account
	bus     *bus.Bus
	store   *store.Store
	met     *metrics.EngineMetrics
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]time.Time
	prices   map[string][]*market.Price
}

// New builds the service. paper selects simulated fills.
func New(cfg config.ExecutionConfig, paper bool, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		paper:    paper,
		kalshi:   deps.Kalshi,
		poly:     deps.Polymarket,
		account:  deps.Account,
		bus:      deps.Bus,
		store:    deps.Store,
		met:      deps.Metrics,
		log:      deps.Log.Named("execution"),
		inflight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
		prices:   make(map[string][]*market.Price),
	}
}

// Run consumes requests until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	requests, cancelReq := s.bus.Subscribe(bus.TopicExecRequests)
	defer cancelReq()
	prices, cancelPrices := s.bus.Subscribe(bus.TopicPriceFastPath)
	defer cancelPrices()

	evict := time.NewTicker(doneTTL / 4)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-requests:
			if req, ok := msg.Payload.(*market.ExecutionRequest); ok {
				s.Handle(ctx, req)
			}
		case msg := <-prices:
			if pr, ok := msg.Payload.(*market.Price); ok {
				s.cachePrice(pr)
			}
		case <-evict.C:
			s.evictDone(time.Now())
		}
	}
}

// Handle executes one request. A key already in flight or already executed
// is discarded without a second result; a key whose last attempt rejected
// or failed may be replayed.
func (s *Service) Handle(ctx context.Context, req *market.ExecutionRequest) {
	s.mu.Lock()
	if _, dup := s.inflight[req.IdempotencyKey]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate request in flight", zap.String("key", req.IdempotencyKey))
		return
	}
	if _, dup := s.done[req.IdempotencyKey]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate request already executed", zap.String("key", req.IdempotencyKey))
		return
	}
	s.inflight[req.IdempotencyKey] = struct{}{}
	s.mu.Unlock()

	start := time.Now()
	var res *market.ExecutionResult
	if req.ArbLeg != nil {
		res = s.executePair(ctx, req)
	} else if s.paper {
		res = s.paperFill(req)
	} else {
		res = s.liveFill(ctx, req)
	}
	res.IdempotencyKey = req.IdempotencyKey
	res.LatencyMS = time.Since(start).Milliseconds()
	res.Timestamp = time.Now()

	s.mu.Lock()
	delete(s.inflight, req.IdempotencyKey)
	// Only keys that moved money are remembered. A rejected or failed
	// attempt executed nothing, so the tracker may replay its key on the
	// next exit retry.
	if res.Status == market.ExecFilled || res.Status == market.ExecPartial {
		s.done[req.IdempotencyKey] = time.Now()
	}
	s.mu.Unlock()

	s.bus.Publish(bus.TopicExecResults, res)
	s.met.RecordOrder(string(req.Platform), string(res.Status),
		time.Since(start).Seconds(), metrics.ToFloat(res.Fees))
	s.log.Info("execution result",
		zap.String("key", req.IdempotencyKey),
		zap.String("market", req.MarketID),
		zap.String("status", string(res.Status)),
		zap.String("filled", res.FilledQty.String()),
		zap.String("reason", string(res.Reason)))
}

// resultShell copies the request identity into a result.
func resultShell(req *market.ExecutionRequest) *market.ExecutionResult {
	return &market.ExecutionResult{
		Platform:     req.Platform,
		MarketID:     req.MarketID,
		Side:         req.Side,
		Direction:    req.Direction,
		ContractTeam: req.ContractTeam,
		GameID:       req.GameID,
		Sport:        req.Sport,
		CloseOf:      req.CloseOf,
	}
}

func rejected(req *market.ExecutionRequest, reason market.Reason, detail string) *market.ExecutionResult {
	res := resultShell(req)
	res.Status = market.ExecRejected
	res.Reason = reason
	res.ReasonDetail = detail
	return res
}

// paperFill simulates one order against the cached book.
func (s *Service) paperFill(req *market.ExecutionRequest) *market.ExecutionResult {
	quote := s.marketQuote(req.Platform, req.MarketID, req.ContractTeam, req.Side)
	if quote != nil && quote.EmptyBook() {
		return rejected(req, market.ReasonEmptyBook, "no liquidity on either side")
	}

	price := s.execPrice(req)
	perContract := price
	if req.Direction == market.DirectionSell {
		perContract = decimal.NewFromInt(1).Sub(price)
	}
	notional := req.Size.Mul(perContract)
	if notional.LessThan(minNotionalUSD) {
		return rejected(req, market.ReasonSizeBelowMin, "order under one dollar")
	}

	// Polymarket fills only to displayed depth.
	if req.Platform == market.PlatformPolymarket && quote != nil {
		depth := quote.AskSize
		if req.Direction == market.DirectionSell {
			depth = quote.BidSize
		}
		if depth.IsPositive() && depth.LessThan(req.Size) {
			return rejected(req, market.ReasonDepthShort, "displayed size below order")
		}
	}

	var fees decimal.Decimal
	if req.Platform == market.PlatformKalshi {
		fees = kalshi.FeeUSD(price, req.Size.IntPart())
	}
	debit := notional.Add(fees)
	if debit.GreaterThan(s.account.Available()) {
		return rejected(req, market.ReasonInsufficientBalance, "debit exceeds balance")
	}
	s.debit(debit)

	res := resultShell(req)
	res.Status = market.ExecFilled
	res.FilledQty = req.Size
	res.AvgPrice = price
	res.Fees = fees
	return res
}

// execPrice applies slippage to the limit and clamps to a fillable price.
func (s *Service) execPrice(req *market.ExecutionRequest) decimal.Decimal {
	slip := req.LimitPrice.Mul(decimal.NewFromFloat(s.cfg.SlippagePct / 100))
	price := req.LimitPrice.Add(slip)
	if req.Direction == market.DirectionSell {
		price = req.LimitPrice.Sub(slip)
	}
	floor := decimal.NewFromFloat(0.01)
	ceil := decimal.NewFromFloat(0.99)
	if price.LessThan(floor) {
		return floor
	}
	if price.GreaterThan(ceil) {
		return ceil
	}
	return price
}

// marketQuote returns the cached quote for the contract the order trades: a
// NO order prices against the complementary book.
func (s *Service) marketQuote(platform market.Platform, marketID, team string, side market.Side) *market.Price {
	s.mu.Lock()
	rows := s.prices[string(platform)+"|"+marketID]
	s.mu.Unlock()

	var base, other *market.Price
	for _, row := range rows {
		if row.ContractTeam == team {
			base = row
			break
		}
		other = row
	}
	if base == nil && other != nil {
		base = other.Invert(team)
	}
	if base == nil {
		return nil
	}
	if side == market.SideNo {
		base = base.Invert("")
	}
	return base
}

// liveFill submits to the venue with exponential backoff; retries exhausted
// becomes a failed result, never a silent drop.
func (s *Service) liveFill(ctx context.Context, req *market.ExecutionRequest) *market.ExecutionResult {
	var (
		res *market.ExecutionResult
		err error
	)
	attempt := func() error {
		res, err = s.submit(ctx, req)
		return err
	}
	if rerr := s.withRetry(ctx, attempt); rerr != nil {
		out := resultShell(req)
		out.Status = market.ExecFailed
		out.Reason = market.ReasonVenueReject
		out.ReasonDetail = rerr.Error()
		return out
	}
	if res.Status == market.ExecFilled {
		perContract := res.AvgPrice
		if req.Direction == market.DirectionSell {
			perContract = decimal.NewFromInt(1).Sub(res.AvgPrice)
		}
		s.debit(res.FilledQty.Mul(perContract).Add(res.Fees))
	}
	return res
}

func (s *Service) submit(ctx context.Context, req *market.ExecutionRequest) (*market.ExecutionResult, error) {
	switch req.Platform {
	case market.PlatformKalshi:
		return s.submitKalshi(ctx, req)
	case market.PlatformPolymarket:
		return s.submitPolymarket(ctx, req)
	}
	return rejected(req, market.ReasonUnknown, "unknown platform"), nil
}

func (s *Service) submitKalshi(ctx context.Context, req *market.ExecutionRequest) (*market.ExecutionResult, error) {
	order := kalshi.OrderRequest{
		Ticker:    req.MarketID,
		Action:    string(req.Direction),
		Side:      string(req.Side),
		Type:      "limit",
		Count:     req.Size.IntPart(),
		ClientOID: req.IdempotencyKey,
	}
	cents := req.LimitPrice.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if req.Side == market.SideYes {
		order.YesPrice = cents
	} else {
		order.NoPrice = cents
	}

	resp, err := s.kalshi.PlaceOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	res := resultShell(req)
	res.VenueOrderID = resp.OrderID
	res.FilledQty = decimal.NewFromInt(resp.FilledCount)
	res.AvgPrice = decimal.New(resp.AvgPrice, -2)
	res.Fees = kalshi.FeeUSD(res.AvgPrice, resp.FilledCount)
	switch {
	case resp.FilledCount >= req.Size.IntPart():
		res.Status = market.ExecFilled
	case resp.FilledCount > 0:
		res.Status = market.ExecPartial
	default:
		res.Status = market.ExecRejected
		res.Reason = market.ReasonVenueReject
		res.ReasonDetail = resp.Reason
	}
	return res, nil
}

func (s *Service) submitPolymarket(ctx context.Context, req *market.ExecutionRequest) (*market.ExecutionResult, error) {
	payload := map[string]any{
		"market":        req.MarketID,
		"side":          string(req.Direction),
		"price":         req.LimitPrice.String(),
		"size":          req.Size.String(),
		"client_id":     req.IdempotencyKey,
		"contract_team": req.ContractTeam,
	}
	if _, err := s.poly.PostOrder(ctx, payload); err != nil {
		return nil, err
	}
	res := resultShell(req)
	res.Status = market.ExecFilled
	res.FilledQty = req.Size
	res.AvgPrice = req.LimitPrice
	return res, nil
}

// withRetry runs fn up to MaxRetries+1 times with doubling delays.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := s.cfg.RetryBase
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxDelay := s.cfg.RetryMax
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= s.cfg.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (s *Service) debit(amount decimal.Decimal) {
	s.account.Debit(amount)
	view := s.account.View()
	s.met.UpdateBankroll(view.Current, view.Piggybank)
	if err := s.store.UpdateBankroll(context.Background(), func(b *store.Bankroll) error {
		b.Current = view.Current
		b.Piggybank = view.Piggybank
		return nil
	}); err != nil {
		s.log.Warn("persist bankroll failed", zap.Error(err))
	}
}

// evictDone drops executed keys older than the idempotency horizon.
func (s *Service) evictDone(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.done {
		if now.Sub(at) > doneTTL {
			delete(s.done, key)
		}
	}
}

func (s *Service) cachePrice(pr *market.Price) {
	key := string(pr.Platform) + "|" + pr.MarketID
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.prices[key]
	for i, row := range rows {
		if row.ContractTeam == pr.ContractTeam {
			rows[i] = pr
			return
		}
	}
	s.prices[key] = append(rows, pr)
}
