package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
)

// executePair submits both legs of an arbitrage pair concurrently. A pair
// is never retried as a whole: a one-sided fill is unwound best-effort and
// reported as partial so the profit math is never silently broken.
func (s *Service) executePair(ctx context.Context, req *market.ExecutionRequest) *market.ExecutionResult {
	leg := req.ArbLeg
	first := *req
	first.ArbLeg = nil
	second := &market.ExecutionRequest{
		IdempotencyKey: req.IdempotencyKey + ":leg2",
		Platform:       leg.Platform,
		MarketID:       leg.MarketID,
		Side:           leg.Side,
		Direction:      market.DirectionBuy,
		LimitPrice:     leg.Limit,
		Size:           req.Size,
		ContractTeam:   leg.Team,
		SignalID:       req.SignalID,
		SignalType:     req.SignalType,
		GameID:         req.GameID,
		Sport:          req.Sport,
		OpportunityKey: req.OpportunityKey,
		CreatedAt:      time.Now(),
	}

	var (
		res1, res2 *market.ExecutionResult
		lat1, lat2 int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		res1 = s.fillLeg(gctx, &first)
		lat1 = time.Since(start).Milliseconds()
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		res2 = s.fillLeg(gctx, second)
		lat2 = time.Since(start).Milliseconds()
		return nil
	})
	_ = g.Wait()

	ok1 := res1.Status == market.ExecFilled
	ok2 := res2.Status == market.ExecFilled

	out := resultShell(req)
	out.LegLatenciesMS = []int64{lat1, lat2}
	switch {
	case ok1 && ok2:
		out.Status = market.ExecFilled
		out.FilledQty = req.Size
		out.AvgPrice = res1.AvgPrice
		out.Fees = res1.Fees.Add(res2.Fees)
	case ok1 || ok2:
		filled, failed := res1, res2
		legReq := &first
		if ok2 {
			filled, failed = res2, res1
			legReq = second
		}
		s.unwindLeg(legReq, filled)
		s.met.ArbLegFails.WithLabelValues("partial").Inc()
		out.Status = market.ExecPartial
		out.Reason = failed.Reason
		out.ReasonDetail = "one leg failed, filled leg unwound"
		s.log.Warn("arb pair partially filled",
			zap.String("opportunity", req.OpportunityKey),
			zap.String("failed_leg", string(failed.Platform)))
	default:
		s.met.ArbLegFails.WithLabelValues("total").Inc()
		out.Status = market.ExecFailed
		out.Reason = res1.Reason
		out.ReasonDetail = "both legs failed"
	}
	return out
}

func (s *Service) fillLeg(ctx context.Context, req *market.ExecutionRequest) *market.ExecutionResult {
	if s.paper {
		return s.paperFill(req)
	}
	return s.liveFill(ctx, req)
}

// unwindLeg sells a stranded fill back at its execution price. Best effort:
// in paper mode the proceeds are credited directly; live failures are only
// logged, the position tracker's orphan sweep is the backstop.
func (s *Service) unwindLeg(req *market.ExecutionRequest, filled *market.ExecutionResult) {
	if s.paper {
		proceeds := filled.FilledQty.Mul(filled.AvgPrice)
		var fees decimal.Decimal
		if req.Platform == market.PlatformKalshi {
			fees = kalshi.FeeUSD(filled.AvgPrice, filled.FilledQty.IntPart())
		}
		s.account.Credit(proceeds.Sub(fees))
		return
	}

	exit := *req
	exit.IdempotencyKey = req.IdempotencyKey + ":unwind"
	exit.Direction = market.DirectionSell
	exit.LimitPrice = filled.AvgPrice
	exit.Size = filled.FilledQty
	if res := s.liveFill(context.Background(), &exit); res.Status != market.ExecFilled {
		s.log.Error("arb leg unwind failed",
			zap.String("market", exit.MarketID),
			zap.String("reason", string(res.Reason)))
	}
}
