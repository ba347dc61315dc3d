// Package signalproc is the gate between raw signals and orders: every
// signal passes a rejection ladder (duplicates, guardrails, cooldowns, risk
// limits, venue fees) and the survivors are Kelly-sized into execution
// requests. Rejections are never silent; each carries a taxonomy reason.
package signalproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/teams"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
)

// kellyCap bounds the raw Kelly fraction before the configured fractional
// multiplier applies.
const kellyCap = 0.5

// minOrderUSD is the smallest order worth placing.
var minOrderUSD = decimal.NewFromInt(1)

// Deps are the processor's collaborators.
type Deps struct {
	Risk    *risk.Controller
	Account *market.Account
	Matcher *teams.Matcher
	Bus     *bus.Bus
	Store   *store.Store
	Metrics *metrics.EngineMetrics
	Log     *zap.Logger
}

// Processor runs the signal gate. It mirrors open positions and venue
// prices from the bus so every decision is local and synchronous.
type Processor struct {
	cfg           config.SignalConfig
	takeProfitPct float64
	risk          *risk.Controller
	account       *market.Account
	matcher       *teams.Matcher
	bus           *bus.Bus
	store         *store.Store
	met           *metrics.EngineMetrics
	log           *zap.Logger
	cooldowns     *market.CooldownLedger

	mu     sync.Mutex
	prices map[string][]*market.Price  // platform|marketID -> contract rows
	open   map[string]*market.Position // by trade ID
}

// New builds a processor. takeProfitPct is the exit target used by the
// venue-fee profitability gate.
func New(cfg config.SignalConfig, takeProfitPct float64, deps Deps) *Processor {
	return &Processor{
		cfg:           cfg,
		takeProfitPct: takeProfitPct,
		risk:          deps.Risk,
		account:       deps.Account,
		matcher:       deps.Matcher,
		bus:           deps.Bus,
		store:         deps.Store,
		met:           deps.Metrics,
		log:           deps.Log.Named("signalproc"),
		cooldowns:     market.NewCooldownLedger(),
		prices:        make(map[string][]*market.Price),
		open:          make(map[string]*market.Position),
	}
}

// Run consumes signals until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	signals, cancelSig := p.bus.Subscribe(bus.TopicSignals)
	defer cancelSig()
	arbs, cancelArb := p.bus.Subscribe(bus.TopicArbSignals)
	defer cancelArb()
	prices, cancelPrices := p.bus.Subscribe(bus.TopicPriceFastPath)
	defer cancelPrices()
	positions, cancelPos := p.bus.Subscribe(bus.TopicPositions)
	defer cancelPos()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-signals:
			if sig, ok := msg.Payload.(*market.Signal); ok {
				p.Process(ctx, sig, time.Now())
			}
		case msg := <-arbs:
			if sig, ok := msg.Payload.(*market.Signal); ok {
				p.Process(ctx, sig, time.Now())
			}
		case msg := <-prices:
			if pr, ok := msg.Payload.(*market.Price); ok {
				p.cachePrice(pr)
			}
		case msg := <-positions:
			if pu, ok := msg.Payload.(market.PositionUpdate); ok {
				p.onPositionUpdate(pu)
			}
		}
	}
}

// Process runs one signal through the gate and, when it survives, emits an
// execution request keyed by the signal ID.
func (p *Processor) Process(ctx context.Context, sig *market.Signal, now time.Time) {
	if sig.Type == market.SignalCrossMarketArb {
		p.processArb(ctx, sig, now)
		return
	}

	req, reason, detail := p.evaluate(sig, now)
	if reason != "" {
		p.reject(ctx, sig, reason, detail)
		return
	}
	p.accept(ctx, sig, req)
}

// evaluate is the rejection ladder for directional signals. It returns the
// ready execution request or the first reason that kills the signal.
func (p *Processor) evaluate(sig *market.Signal, now time.Time) (*market.ExecutionRequest, market.Reason, string) {
	if sig.Synthetic() {
		return nil, market.ReasonSynthetic, "no market price attached"
	}

	edge, _ := sig.EdgePct.Float64()
	if edge < p.cfg.MinEdgePct {
		return nil, market.ReasonEdgeBelowMin,
			fmt.Sprintf("edge %.2f below min %.2f", edge, p.cfg.MinEdgePct)
	}

	modelProb, _ := sig.ModelProb.Float64()
	if sig.Direction == market.DirectionBuy && modelProb > p.cfg.MaxBuyProb {
		return nil, market.ReasonProbabilityGuardrail,
			fmt.Sprintf("buy at prob %.3f beyond %.2f", modelProb, p.cfg.MaxBuyProb)
	}
	if sig.Direction == market.DirectionSell && modelProb < p.cfg.MinSellProb {
		return nil, market.ReasonProbabilityGuardrail,
			fmt.Sprintf("sell at prob %.3f beyond %.2f", modelProb, p.cfg.MinSellProb)
	}

	if pos, reason := p.positionConflict(sig); reason != "" {
		return nil, reason, "open position on " + sig.MarketID
	} else if pos != nil {
		return p.closeRequest(sig, pos), "", ""
	}

	if p.cooldowns.Active(sig.GameID, now) {
		return nil, market.ReasonCooldown, "game in post-close cooldown"
	}

	price, reason := p.priceFor(sig)
	if reason != "" {
		return nil, reason, "no usable quote for " + sig.Team
	}
	exec := price.YesAsk
	if sig.Direction == market.DirectionSell {
		exec = price.YesBid
	}

	qty, sizeUSD, reason := p.kellySize(sig, exec)
	if reason != "" {
		return nil, reason, fmt.Sprintf("sized %s USD", sizeUSD.StringFixed(2))
	}

	if v := p.risk.Check(sig, sizeUSD, now); !v.Allowed {
		return nil, market.ReasonRiskBreach, string(v.Reason)
	}

	if reason := p.feeGate(sig, exec); reason != "" {
		return nil, reason, "projected take-profit eaten by fees"
	}

	return &market.ExecutionRequest{
		IdempotencyKey: sig.SignalID,
		Platform:       sig.Platform,
		MarketID:       sig.MarketID,
		Side:           market.SideYes,
		Direction:      sig.Direction,
		LimitPrice:     exec,
		Size:           qty,
		ContractTeam:   price.ContractTeam,
		SignalID:       sig.SignalID,
		SignalType:     sig.Type,
		GameID:         sig.GameID,
		Sport:          sig.Sport,
		ModelProb:      sig.ModelProb,
		EdgePct:        sig.EdgePct,
		CreatedAt:      time.Now(),
	}, "", ""
}

// positionConflict applies the duplicate and opposite rules against the
// open set. A same-direction position on the market is a duplicate (unless
// it hedges the other team and hedging is allowed); an opposite-direction
// position on the same contract flips the signal into a close.
func (p *Processor) positionConflict(sig *market.Signal) (*market.Position, market.Reason) {
	p.mu.Lock()
	defer p.mu.Unlock()

	same := p.matcher.SameTeam(sig.Sport)
	for _, pos := range p.open {
		if pos.Platform != sig.Platform || pos.MarketID != sig.MarketID {
			continue
		}
		sameTeam := same(pos.ContractTeam, sig.Team)
		if pos.Direction == sig.Direction {
			if sameTeam {
				return nil, market.ReasonDuplicate
			}
			if !p.cfg.AllowHedging {
				return nil, market.ReasonDuplicate
			}
			continue
		}
		if sameTeam {
			return pos, ""
		}
	}
	return nil, ""
}

// closeRequest turns a signal into an unwind of the conflicting position.
func (p *Processor) closeRequest(sig *market.Signal, pos *market.Position) *market.ExecutionRequest {
	limit := sig.MarketProb
	if pr, reason := p.priceFor(sig); reason == "" {
		limit = pr.YesBid
		if pos.Direction == market.DirectionSell {
			limit = pr.YesAsk
		}
	}
	return &market.ExecutionRequest{
		IdempotencyKey: sig.SignalID,
		Platform:       pos.Platform,
		MarketID:       pos.MarketID,
		Side:           pos.Side,
		Direction:      opposite(pos.Direction),
		LimitPrice:     limit,
		Size:           pos.Size,
		ContractTeam:   pos.ContractTeam,
		SignalID:       sig.SignalID,
		SignalType:     sig.Type,
		GameID:         sig.GameID,
		Sport:          sig.Sport,
		ModelProb:      sig.ModelProb,
		EdgePct:        sig.EdgePct,
		CloseOf:        pos.TradeID,
		CreatedAt:      time.Now(),
	}
}

// priceFor returns the freshest cached quote oriented to the signal's team.
// Orientation requires a confident team match; the other contract's quote
// is inverted when it is the only one on hand.
func (p *Processor) priceFor(sig *market.Signal) (*market.Price, market.Reason) {
	p.mu.Lock()
	rows := p.prices[string(sig.Platform)+"|"+sig.MarketID]
	p.mu.Unlock()
	if len(rows) == 0 {
		return nil, market.ReasonStaleData
	}

	threshold := p.cfg.TeamMatchMinConfidence
	if threshold <= 0 {
		threshold = 0.7
	}

	var other *market.Price
	for _, pr := range rows {
		if p.matcher.MatchWithThreshold(sig.Sport, pr.ContractTeam, sig.Team, threshold).IsMatch {
			return p.usable(pr)
		}
		other = pr
	}
	if other == nil {
		return nil, market.ReasonTeamMismatch
	}
	return p.usable(other.Invert(sig.Team))
}

func (p *Processor) usable(pr *market.Price) (*market.Price, market.Reason) {
	if pr.EmptyBook() {
		return nil, market.ReasonEmptyBook
	}
	if pr.YesBid.GreaterThan(pr.YesAsk) {
		return nil, market.ReasonCrossedBook
	}
	return pr, ""
}

// kellySize computes fractional-Kelly contracts for the signal. The raw
// fraction edge/(p*(1-p)) is capped, scaled by the configured fraction, and
// bounded by the per-position share of the bankroll.
func (p *Processor) kellySize(sig *market.Signal, exec decimal.Decimal) (qty, sizeUSD decimal.Decimal, reason market.Reason) {
	prob, _ := sig.ModelProb.Float64()
	edgeFrac, _ := sig.EdgePct.Float64()
	edgeFrac /= 100

	denom := prob * (1 - prob)
	if denom <= 0 {
		return decimal.Zero, decimal.Zero, market.ReasonSizeBelowMin
	}
	f := edgeFrac / denom
	if f > kellyCap {
		f = kellyCap
	}
	f *= p.cfg.KellyFraction

	available := p.account.Available()
	sizeUSD = available.Mul(decimal.NewFromFloat(f))
	if p.cfg.MaxPositionPct > 0 {
		maxSize := available.Mul(decimal.NewFromFloat(p.cfg.MaxPositionPct / 100))
		if sizeUSD.GreaterThan(maxSize) {
			sizeUSD = maxSize
		}
	}
	if sizeUSD.LessThan(minOrderUSD) {
		return decimal.Zero, sizeUSD, market.ReasonSizeBelowMin
	}

	// Contracts are whole; a sell of YES posts 1-price per contract.
	perContract := exec
	if sig.Direction == market.DirectionSell {
		perContract = decimal.NewFromInt(1).Sub(exec)
	}
	if perContract.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, sizeUSD, market.ReasonSizeBelowMin
	}
	qty = sizeUSD.Div(perContract).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, sizeUSD, market.ReasonSizeBelowMin
	}
	return qty, qty.Mul(perContract), ""
}

// feeGate rejects venue-K entries whose projected take-profit exit nets at
// or below zero after entry and exit fees.
func (p *Processor) feeGate(sig *market.Signal, exec decimal.Decimal) market.Reason {
	if sig.Platform != market.PlatformKalshi || p.takeProfitPct <= 0 {
		return ""
	}
	move := exec.Mul(decimal.NewFromFloat(p.takeProfitPct / 100))

	var net decimal.Decimal
	if sig.Direction == market.DirectionBuy {
		exit := exec.Add(move)
		if exit.GreaterThan(decimal.NewFromFloat(0.99)) {
			exit = decimal.NewFromFloat(0.99)
		}
		net = kalshi.NetTakeProfitUSD(exec, exit, 1)
	} else {
		exit := exec.Sub(move)
		if exit.LessThan(decimal.NewFromFloat(0.01)) {
			exit = decimal.NewFromFloat(0.01)
		}
		net = kalshi.NetTakeProfitUSD(exit, exec, 1)
	}
	if net.LessThanOrEqual(decimal.Zero) {
		return market.ReasonFeeUnprofitable
	}
	return ""
}

// processArb sizes a two-leg pair by the per-pair cost and forwards it to
// execution as a single request carrying both legs.
func (p *Processor) processArb(ctx context.Context, sig *market.Signal, now time.Time) {
	if sig.ArbLeg == nil || sig.ProfitCentsPair <= 0 {
		p.reject(ctx, sig, market.ReasonSynthetic, "arb signal without a paired leg")
		return
	}

	costPerPair := decimal.New(int64(100-sig.ProfitCentsPair), -2)
	available := p.account.Available()
	budget := available
	if p.cfg.MaxPositionPct > 0 {
		budget = available.Mul(decimal.NewFromFloat(p.cfg.MaxPositionPct / 100))
	}
	pairs := budget.Div(costPerPair).Floor()
	if pairs.LessThan(decimal.NewFromInt(1)) {
		p.reject(ctx, sig, market.ReasonSizeBelowMin, "no budget for one pair")
		return
	}
	sizeUSD := pairs.Mul(costPerPair)

	if v := p.risk.Check(sig, sizeUSD, now); !v.Allowed {
		p.reject(ctx, sig, market.ReasonRiskBreach, string(v.Reason))
		return
	}

	p.accept(ctx, sig, &market.ExecutionRequest{
		IdempotencyKey: sig.SignalID,
		Platform:       sig.Platform,
		MarketID:       sig.MarketID,
		Side:           market.SideYes,
		Direction:      market.DirectionBuy,
		LimitPrice:     sig.MarketProb,
		Size:           pairs,
		ContractTeam:   sig.Team,
		SignalID:       sig.SignalID,
		SignalType:     sig.Type,
		GameID:         sig.GameID,
		Sport:          sig.Sport,
		ModelProb:      sig.ModelProb,
		EdgePct:        sig.EdgePct,
		OpportunityKey: sig.SignalID,
		ArbLeg:         sig.ArbLeg,
		CreatedAt:      time.Now(),
	})
}

func (p *Processor) accept(ctx context.Context, sig *market.Signal, req *market.ExecutionRequest) {
	p.bus.Publish(bus.TopicExecRequests, req)
	if err := p.store.SaveSignal(ctx, &store.TradingSignal{
		SignalID: sig.SignalID,
		GameID:   sig.GameID,
		Type:     string(sig.Type),
		Status:   "accepted",
	}); err != nil {
		p.log.Warn("persist signal status failed", zap.Error(err))
	}
	p.log.Info("signal accepted",
		zap.String("signal", sig.SignalID),
		zap.String("market", req.MarketID),
		zap.String("direction", string(req.Direction)),
		zap.String("contracts", req.Size.String()),
		zap.Bool("close", req.CloseOf != ""))
}

func (p *Processor) reject(ctx context.Context, sig *market.Signal, reason market.Reason, detail string) {
	p.met.RecordRejection(string(reason))
	if reason == market.ReasonRiskBreach {
		p.bus.Publish(bus.TopicSystemAlerts,
			market.NewAlert(market.AlertRiskBreach, "signalproc", detail+" ("+sig.GameID+")"))
	}
	if err := p.store.SaveSignal(ctx, &store.TradingSignal{
		SignalID: sig.SignalID,
		GameID:   sig.GameID,
		Type:     string(sig.Type),
		Status:   "rejected",
		Reason:   string(reason),
	}); err != nil {
		p.log.Warn("persist signal status failed", zap.Error(err))
	}
	p.log.Debug("signal rejected",
		zap.String("signal", sig.SignalID),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
}

// cachePrice keeps the latest quote per contract orientation.
func (p *Processor) cachePrice(pr *market.Price) {
	key := string(pr.Platform) + "|" + pr.MarketID
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := p.prices[key]
	for i, row := range rows {
		if row.ContractTeam == pr.ContractTeam {
			rows[i] = pr
			return
		}
	}
	p.prices[key] = append(rows, pr)
}

func (p *Processor) onPositionUpdate(pu market.PositionUpdate) {
	p.mu.Lock()
	switch pu.Event {
	case "opened":
		pos := pu.Position
		p.open[pos.TradeID] = &pos
	case "closed", "settled":
		delete(p.open, pu.Position.TradeID)
	}
	p.mu.Unlock()

	if !pu.CooldownUntil.IsZero() {
		p.cooldowns.Set(pu.Position.GameID, pu.CooldownUntil)
	}
}

func opposite(d market.Direction) market.Direction {
	if d == market.DirectionBuy {
		return market.DirectionSell
	}
	return market.DirectionBuy
}
