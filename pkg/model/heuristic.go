package model

import (
	"context"
	"math"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// leadScale is the per-sport logistic scale for converting a score lead into
// a win probability: roughly the lead that maps to ~73% with the whole game
// left.
var leadScale = map[feed.Sport]float64{
	feed.SportNBA:    9.0,
	feed.SportNCAAB:  8.0,
	feed.SportNFL:    7.5,
	feed.SportNCAAF:  8.5,
	feed.SportNHL:    1.4,
	feed.SportMLB:    2.2,
	feed.SportMLS:    1.1,
	feed.SportSoccer: 1.1,
	feed.SportTennis: 1.0,
	feed.SportMMA:    1.0,
}

// Heuristic is the built-in logistic lead/time model, used when no external
// model endpoint is configured and as the paper-mode default. A lead counts
// for more as time runs out.
type Heuristic struct{}

func (h *Heuristic) HomeWinProb(_ context.Context, _ *feed.GameInfo, state *feed.GameState) (float64, error) {
	diff := float64(state.ScoreDiff())
	progress := state.GameProgress()

	scale, ok := leadScale[state.Sport]
	if !ok {
		scale = 5.0
	}

	// Remaining time shrinks the effective scale, steepening the curve; the
	// 0.05 floor keeps the final seconds finite.
	remaining := 1 - progress
	if remaining < 0.05 {
		remaining = 0.05
	}
	effective := scale * math.Sqrt(remaining)

	p := 1 / (1 + math.Exp(-diff/effective))
	return p, nil
}
