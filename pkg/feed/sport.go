// Package feed defines the game-side data model: sports, game descriptors,
// live game state snapshots, and play-by-play records.
package feed

import "strings"

// Sport identifies a supported sport.
type Sport string

const (
	SportNFL    Sport = "nfl"
	SportNBA    Sport = "nba"
	SportNHL    Sport = "nhl"
	SportMLB    Sport = "mlb"
	SportNCAAF  Sport = "ncaaf"
	SportNCAAB  Sport = "ncaab"
	SportMLS    Sport = "mls"
	SportSoccer Sport = "soccer"
	SportTennis Sport = "tennis"
	SportMMA    Sport = "mma"
)

// ScoringCadence classifies how frequently a sport's score moves. It drives
// polling defaults, not correctness.
type ScoringCadence int

const (
	CadenceSlow  ScoringCadence = iota // soccer, hockey, baseball
	CadenceMed                         // football
	CadenceFast                        // basketball
)

// AllSports lists every supported sport.
func AllSports() []Sport {
	return []Sport{
		SportNFL, SportNBA, SportNHL, SportMLB, SportNCAAF,
		SportNCAAB, SportMLS, SportSoccer, SportTennis, SportMMA,
	}
}

// Periods returns the regulation period count for the sport. Used as a
// completion heuristic, not a hard rule (overtime exists).
func (s Sport) Periods() int {
	switch s {
	case SportNFL, SportNCAAF, SportNBA:
		return 4
	case SportNHL:
		return 3
	case SportMLB:
		return 9
	case SportNCAAB, SportMLS, SportSoccer:
		return 2
	case SportTennis:
		return 3 // best-of-three sets as the baseline
	case SportMMA:
		return 3
	default:
		return 4
	}
}

// Cadence returns the scoring cadence class for the sport.
func (s Sport) Cadence() ScoringCadence {
	switch s {
	case SportNBA, SportNCAAB:
		return CadenceFast
	case SportNFL, SportNCAAF, SportTennis, SportMMA:
		return CadenceMed
	default:
		return CadenceSlow
	}
}

// ParseSport maps a free-form sport label to a Sport. Unknown labels return
// ("", false).
func ParseSport(s string) (Sport, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nfl", "football":
		return SportNFL, true
	case "nba", "basketball":
		return SportNBA, true
	case "nhl", "hockey":
		return SportNHL, true
	case "mlb", "baseball":
		return SportMLB, true
	case "ncaaf", "college-football":
		return SportNCAAF, true
	case "ncaab", "mens-college-basketball", "college-basketball":
		return SportNCAAB, true
	case "mls":
		return SportMLS, true
	case "soccer", "epl":
		return SportSoccer, true
	case "tennis":
		return SportTennis, true
	case "mma", "ufc":
		return SportMMA, true
	}
	return "", false
}
