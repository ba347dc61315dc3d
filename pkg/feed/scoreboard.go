package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Scoreboard is the external live-game feed: enumeration for the
// orchestrator, per-game snapshots for the shards.
type Scoreboard interface {
	LiveGames(ctx context.Context, sport Sport) ([]GameInfo, error)
	Snapshot(ctx context.Context, sport Sport, gameID string) (*GameState, []Play, error)
}

// sportPath maps a sport to its scoreboard API path segment.
var sportPath = map[Sport]string{
	SportNFL:    "football/nfl",
	SportNBA:    "basketball/nba",
	SportNHL:    "hockey/nhl",
	SportMLB:    "baseball/mlb",
	SportNCAAF:  "football/college-football",
	SportNCAAB:  "basketball/mens-college-basketball",
	SportMLS:    "soccer/usa.1",
	SportSoccer: "soccer/eng.1",
	SportTennis: "tennis/atp",
	SportMMA:    "mma/ufc",
}

// ScoreboardClient reads the public scoreboard REST API.
type ScoreboardClient struct {
	http *resty.Client
	log  *zap.Logger
}

// NewScoreboardClient builds a client for the given base URL (e.g. the
// public site API root).
func NewScoreboardClient(baseURL string, log *zap.Logger) *ScoreboardClient {
	return &ScoreboardClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		log: log.Named("scoreboard"),
	}
}

// --- Wire shapes (subset of the scoreboard payload) ---

type sbScoreboard struct {
	Events []sbEvent `json:"events"`
}

type sbEvent struct {
	ID           string          `json:"id"`
	Date         string          `json:"date"`
	Name         string          `json:"name"`
	Status       sbStatus        `json:"status"`
	Competitions []sbCompetition `json:"competitions"`
}

type sbStatus struct {
	Period       int    `json:"period"`
	DisplayClock string `json:"displayClock"`
	Type         struct {
		State     string `json:"state"` // pre, in, post
		Completed bool   `json:"completed"`
		Name      string `json:"name"`
	} `json:"type"`
}

type sbCompetition struct {
	Competitors []sbCompetitor `json:"competitors"`
	Venue       struct {
		FullName string `json:"fullName"`
	} `json:"venue"`
}

type sbCompetitor struct {
	HomeAway string `json:"homeAway"`
	Score    string `json:"score"`
	Team     struct {
		DisplayName  string `json:"displayName"`
		Abbreviation string `json:"abbreviation"`
	} `json:"team"`
}

type sbSummary struct {
	Plays []sbPlay `json:"plays"`
}

type sbPlay struct {
	ID             string `json:"id"`
	SequenceNumber string `json:"sequenceNumber"`
	Text           string `json:"text"`
	Period         struct {
		Number int `json:"number"`
	} `json:"period"`
	Clock struct {
		DisplayValue string `json:"displayValue"`
	} `json:"clock"`
	ScoringPlay bool `json:"scoringPlay"`
	ScoreValue  int  `json:"scoreValue"`
}

// LiveGames returns the games currently in progress for a sport.
func (c *ScoreboardClient) LiveGames(ctx context.Context, sport Sport) ([]GameInfo, error) {
	path, ok := sportPath[sport]
	if !ok {
		return nil, fmt.Errorf("unsupported sport %s", sport)
	}

	var out sbScoreboard
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/apis/site/v2/sports/%s/scoreboard", path))
	if err != nil {
		return nil, fmt.Errorf("scoreboard %s: %w", sport, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("scoreboard %s: status %d", sport, resp.StatusCode())
	}

	var games []GameInfo
	for _, ev := range out.Events {
		if ev.Status.Type.State != "in" {
			continue
		}
		info := eventInfo(sport, ev)
		if info.HomeTeam == "" || info.AwayTeam == "" {
			continue
		}
		games = append(games, info)
	}
	return games, nil
}

// Snapshot fetches the current state and recent plays for one game.
func (c *ScoreboardClient) Snapshot(ctx context.Context, sport Sport, gameID string) (*GameState, []Play, error) {
	path, ok := sportPath[sport]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported sport %s", sport)
	}

	var out struct {
		sbSummary
		Header struct {
			Competitions []struct {
				Status      sbStatus       `json:"status"`
				Competitors []sbCompetitor `json:"competitors"`
			} `json:"competitions"`
		} `json:"header"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("event", gameID).
		SetResult(&out).
		Get(fmt.Sprintf("/apis/site/v2/sports/%s/summary", path))
	if err != nil {
		return nil, nil, fmt.Errorf("summary %s: %w", gameID, err)
	}
	if resp.IsError() {
		return nil, nil, fmt.Errorf("summary %s: status %d", gameID, resp.StatusCode())
	}
	if len(out.Header.Competitions) == 0 {
		return nil, nil, fmt.Errorf("summary %s: no competition data", gameID)
	}

	comp := out.Header.Competitions[0]
	state := &GameState{
		GameID:               gameID,
		Sport:                sport,
		Period:               comp.Status.Period,
		TimeRemainingSeconds: parseClock(comp.Status.DisplayClock),
		Status:               statusFromWire(comp.Status),
		Timestamp:            time.Now(),
	}
	for _, ct := range comp.Competitors {
		score, _ := strconv.Atoi(ct.Score)
		if ct.HomeAway == "home" {
			state.HomeScore = score
		} else {
			state.AwayScore = score
		}
	}

	plays := make([]Play, 0, len(out.Plays))
	for _, wp := range out.Plays {
		seq, _ := strconv.Atoi(wp.SequenceNumber)
		p := Play{
			PlayID:         wp.ID,
			GameID:         gameID,
			SequenceNumber: seq,
			Period:         wp.Period.Number,
			Clock:          wp.Clock.DisplayValue,
			Type:           PlayTypeOther,
			Text:           wp.Text,
			IsScoring:      wp.ScoringPlay,
			Timestamp:      time.Now(),
		}
		plays = append(plays, p)
	}
	return state, plays, nil
}

func eventInfo(sport Sport, ev sbEvent) GameInfo {
	info := GameInfo{
		GameID: ev.ID,
		Sport:  sport,
		Status: statusFromWire(ev.Status),
	}
	if t, err := time.Parse("2006-01-02T15:04Z", ev.Date); err == nil {
		info.StartTime = t
	}
	if len(ev.Competitions) == 0 {
		return info
	}
	comp := ev.Competitions[0]
	info.Venue = comp.Venue.FullName
	for _, ct := range comp.Competitors {
		if ct.HomeAway == "home" {
			info.HomeTeam = ct.Team.DisplayName
			info.HomeAbbrev = ct.Team.Abbreviation
		} else {
			info.AwayTeam = ct.Team.DisplayName
			info.AwayAbbrev = ct.Team.Abbreviation
		}
	}
	return info
}

func statusFromWire(s sbStatus) GameStatus {
	switch s.Type.State {
	case "pre":
		return StatusScheduled
	case "post":
		return StatusFinal
	}
	if strings.Contains(strings.ToLower(s.Type.Name), "halftime") {
		return StatusHalftime
	}
	if s.DisplayClock == "0:00" || s.DisplayClock == "0.0" {
		return StatusEndPeriod
	}
	return StatusInProgress
}

// parseClock converts "12:34" (or "45.0") to whole seconds remaining.
func parseClock(clock string) int {
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return 0
	}
	if i := strings.Index(clock, ":"); i >= 0 {
		mins, _ := strconv.Atoi(clock[:i])
		secs, _ := strconv.ParseFloat(clock[i+1:], 64)
		return mins*60 + int(secs)
	}
	f, _ := strconv.ParseFloat(clock, 64)
	return int(f)
}
