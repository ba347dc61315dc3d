package model

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// Remote calls an external per-sport prediction service. The wire contract
// is a single POST /api/win-prob returning {home_win_prob}; model internals
// stay server-side.
type Remote struct {
	client *resty.Client
}

// NewRemote builds a client for the prediction service at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
	}
}

type winProbRequest struct {
	Sport         string `json:"sport"`
	HomeTeam      string `json:"home_team"`
	AwayTeam      string `json:"away_team"`
	HomeScore     int    `json:"home_score"`
	AwayScore     int    `json:"away_score"`
	Period        int    `json:"period"`
	TimeRemaining int    `json:"time_remaining_seconds"`
	Status        string `json:"status"`
}

type winProbResponse struct {
	HomeWinProb float64 `json:"home_win_prob"`
	Model       string  `json:"model"`
	Error       string  `json:"error,omitempty"`
}

func (r *Remote) HomeWinProb(ctx context.Context, info *feed.GameInfo, state *feed.GameState) (float64, error) {
	req := winProbRequest{
		Sport:         string(state.Sport),
		HomeScore:     state.HomeScore,
		AwayScore:     state.AwayScore,
		Period:        state.Period,
		TimeRemaining: state.TimeRemainingSeconds,
		Status:        string(state.Status),
	}
	if info != nil {
		req.HomeTeam = info.HomeTeam
		req.AwayTeam = info.AwayTeam
	}

	var out winProbResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/win-prob")
	if err != nil {
		return 0, fmt.Errorf("win-prob request: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("win-prob request: status %d", resp.StatusCode())
	}
	if out.Error != "" {
		return 0, fmt.Errorf("win-prob model: %s", out.Error)
	}
	if out.HomeWinProb < 0 || out.HomeWinProb > 1 {
		return 0, fmt.Errorf("win-prob model: probability %f out of range", out.HomeWinProb)
	}
	return out.HomeWinProb, nil
}
