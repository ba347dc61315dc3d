package model

import (
	"context"
	"testing"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

func TestClampBounds(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0.0, 0.05},
		{0.03, 0.05},
		{0.05, 0.05},
		{0.50, 0.50},
		{0.95, 0.95},
		{0.99, 0.95},
		{1.0, 0.95},
	}
	for _, c := range cases {
		if got := Clamp(c.in); got != c.want {
			t.Errorf("Clamp(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

type fixedModel struct{ p float64 }

func (f *fixedModel) HomeWinProb(context.Context, *feed.GameInfo, *feed.GameState) (float64, error) {
	return f.p, nil
}

func TestClampedWrapper(t *testing.T) {
	m := &Clamped{Inner: &fixedModel{p: 0.992}}
	got, err := m.HomeWinProb(context.Background(), nil, &feed.GameState{})
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.95 {
		t.Errorf("clamped prob = %v, want 0.95", got)
	}
}

func TestHeuristicDirection(t *testing.T) {
	var h Heuristic
	ctx := context.Background()

	tied := &feed.GameState{Sport: feed.SportNBA, HomeScore: 50, AwayScore: 50, Period: 2, TimeRemainingSeconds: 360}
	p, err := h.HomeWinProb(ctx, nil, tied)
	if err != nil {
		t.Fatal(err)
	}
	if p < 0.45 || p > 0.55 {
		t.Errorf("tied game prob = %v, want ~0.5", p)
	}

	leading := &feed.GameState{Sport: feed.SportNBA, HomeScore: 100, AwayScore: 88, Period: 4, TimeRemainingSeconds: 120}
	pl, _ := h.HomeWinProb(ctx, nil, leading)
	if pl <= p {
		t.Errorf("12-point 4th-quarter lead prob %v not above tied %v", pl, p)
	}

	// Same lead earlier in the game is worth less.
	early := &feed.GameState{Sport: feed.SportNBA, HomeScore: 30, AwayScore: 18, Period: 1, TimeRemainingSeconds: 400}
	pe, _ := h.HomeWinProb(ctx, nil, early)
	if pe >= pl {
		t.Errorf("early lead prob %v should be below late lead prob %v", pe, pl)
	}
}
