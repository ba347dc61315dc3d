// Package model is the façade over the per-sport win-probability model. The
// engine only sees clamped home-win probabilities; model internals live
// behind the WinProbModel interface.
package model

import (
	"context"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// ProbFloor and ProbCeiling bound every probability before it reaches signal
// generation. The unclamped value must not leak downstream.
const (
	ProbFloor   = 0.05
	ProbCeiling = 0.95
)

// WinProbModel computes the home team's win probability for a game state.
type WinProbModel interface {
	HomeWinProb(ctx context.Context, info *feed.GameInfo, state *feed.GameState) (float64, error)
}

// Clamp bounds a probability to [ProbFloor, ProbCeiling].
func Clamp(p float64) float64 {
	if p < ProbFloor {
		return ProbFloor
	}
	if p > ProbCeiling {
		return ProbCeiling
	}
	return p
}

// Clamped wraps a model so every output is bounded. Shards construct their
// model through this; nothing else calls the inner model directly.
type Clamped struct {
	Inner WinProbModel
}

func (c *Clamped) HomeWinProb(ctx context.Context, info *feed.GameInfo, state *feed.GameState) (float64, error) {
	p, err := c.Inner.HomeWinProb(ctx, info, state)
	if err != nil {
		return 0, err
	}
	return Clamp(p), nil
}
