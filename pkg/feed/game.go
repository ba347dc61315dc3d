package feed

import (
	"strings"
	"time"
)

// GameStatus is the lifecycle state reported by the scoreboard feed.
type GameStatus string

const (
	StatusScheduled  GameStatus = "scheduled"
	StatusInProgress GameStatus = "in_progress"
	StatusHalftime   GameStatus = "halftime"
	StatusEndPeriod  GameStatus = "end_period"
	StatusFinal      GameStatus = "final"
	StatusPostponed  GameStatus = "postponed"
	StatusCanceled   GameStatus = "canceled"
)

// GameInfo is the immutable descriptor for a game as discovered from the
// external scoreboard.
type GameInfo struct {
	GameID     string     `json:"game_id"`
	Sport      Sport      `json:"sport"`
	HomeTeam   string     `json:"home_team"`
	AwayTeam   string     `json:"away_team"`
	HomeAbbrev string     `json:"home_abbrev"`
	AwayAbbrev string     `json:"away_abbrev"`
	StartTime  time.Time  `json:"start_time"`
	Venue      string     `json:"venue,omitempty"`
	Broadcast  string     `json:"broadcast,omitempty"`
	Status     GameStatus `json:"status"`
}

// FootballSituation is the optional down-and-distance context on a GameState.
type FootballSituation struct {
	Down        int    `json:"down"`
	YardsToGo   int    `json:"yards_to_go"`
	YardLine    int    `json:"yard_line"`
	RedZone     bool   `json:"red_zone"`
	Possession  string `json:"possession"` // team abbreviation
	Description string `json:"description,omitempty"`
}

// GameState is a time-indexed snapshot of a live game.
type GameState struct {
	GameID               string             `json:"game_id"`
	Sport                Sport              `json:"sport"`
	HomeScore            int                `json:"home_score"`
	AwayScore            int                `json:"away_score"`
	Period               int                `json:"period"`
	TimeRemainingSeconds int                `json:"time_remaining_seconds"`
	Status               GameStatus         `json:"status"`
	Situation            *FootballSituation `json:"situation,omitempty"`
	Timestamp            time.Time          `json:"timestamp"`
}

// GameProgress estimates completion in [0,1] from period and clock.
// Each regulation period contributes an equal share; overtime clamps to 1.
func (gs *GameState) GameProgress() float64 {
	if gs.Status == StatusFinal {
		return 1.0
	}
	periods := gs.Sport.Periods()
	if periods <= 0 || gs.Period <= 0 {
		return 0
	}
	if gs.Period > periods {
		return 1.0
	}

	// Period length varies by sport; the share within the current period is
	// what matters, so normalize against the sport's regulation clock.
	perPeriod := regulationPeriodSeconds(gs.Sport)
	done := float64(gs.Period - 1)
	if perPeriod > 0 {
		elapsed := float64(perPeriod-gs.TimeRemainingSeconds) / float64(perPeriod)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > 1 {
			elapsed = 1
		}
		done += elapsed
	}
	progress := done / float64(periods)
	if progress > 1 {
		progress = 1
	}
	return progress
}

func regulationPeriodSeconds(s Sport) int {
	switch s {
	case SportNFL, SportNCAAF:
		return 15 * 60
	case SportNBA:
		return 12 * 60
	case SportNCAAB, SportSoccer, SportMLS:
		return 45 * 60 // NCAAB halves are 20min but both are "halves"; soccer 45
	case SportNHL:
		return 20 * 60
	case SportMMA:
		return 5 * 60
	default:
		return 0 // cadence without a clock (MLB innings, tennis sets)
	}
}

// ScoreDiff returns home minus away.
func (gs *GameState) ScoreDiff() int {
	return gs.HomeScore - gs.AwayScore
}

// Valid reports whether the snapshot satisfies the model invariants:
// non-negative scores and period >= 1 once in progress.
func (gs *GameState) Valid() bool {
	if gs.HomeScore < 0 || gs.AwayScore < 0 {
		return false
	}
	if gs.Status != StatusScheduled && gs.Period < 1 {
		return false
	}
	return true
}

// IsFinal applies the completion heuristics: an explicit final-style status,
// or end-of-period with zero clock in (or past) the last regulation period.
func (gs *GameState) IsFinal() bool {
	if IsFinalStatus(string(gs.Status)) {
		return true
	}
	if gs.Status == StatusEndPeriod && gs.TimeRemainingSeconds == 0 && gs.Period >= gs.Sport.Periods() {
		return true
	}
	return false
}

// IsFinalStatus matches the final/complete status variants different feeds
// report.
func IsFinalStatus(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "final", "complete", "completed", "status_final", "full_time", "ft":
		return true
	}
	return strings.HasPrefix(s, "final")
}

// PlayType is the closed set of play classifications. Sport-specific members
// share one enum; consumers switch on the values they understand.
type PlayType string

const (
	PlayTypeShot       PlayType = "shot"
	PlayTypeGoal       PlayType = "goal"
	PlayTypeTouchdown  PlayType = "touchdown"
	PlayTypeFieldGoal  PlayType = "field_goal"
	PlayTypeSafety     PlayType = "safety"
	PlayTypeTurnover   PlayType = "turnover"
	PlayTypeThreePoint PlayType = "three_pointer"
	PlayTypeFreeThrow  PlayType = "free_throw"
	PlayTypeHomeRun    PlayType = "home_run"
	PlayTypeRun        PlayType = "run_scored"
	PlayTypePenalty    PlayType = "penalty"
	PlayTypeOther      PlayType = "other"
)

// Play is one entry in the monotonic play-by-play sequence for a game.
type Play struct {
	PlayID         string   `json:"play_id"`
	GameID         string   `json:"game_id"`
	SequenceNumber int      `json:"sequence_number"`
	Period         int      `json:"period"`
	Clock          string   `json:"clock"`
	Type           PlayType `json:"type"`
	Text           string   `json:"text"`
	HomeScoreDelta int      `json:"home_score_delta"`
	AwayScoreDelta int      `json:"away_score_delta"`
	IsScoring      bool     `json:"is_scoring"`
	IsTurnover     bool     `json:"is_turnover"`
	// TouchdownKind distinguishes rushing/passing/return touchdowns where the
	// feed provides it; empty otherwise.
	TouchdownKind string    `json:"touchdown_kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Tag fills the derived tagging fields from the play type and score deltas.
func (p *Play) Tag() {
	p.IsScoring = p.HomeScoreDelta != 0 || p.AwayScoreDelta != 0
	if p.Type == PlayTypeTurnover {
		p.IsTurnover = true
	}
}
