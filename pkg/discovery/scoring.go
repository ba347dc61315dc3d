package discovery

import (
	"fmt"
	"strings"

	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

// Title scoring weights. A candidate needs at least one matched team and a
// total of minScore to be accepted; volume bonuses alone can never carry an
// unrelated market over the line.
const (
	bothTeamsBonus   = 1.0
	singleTeamBonus  = 0.5
	exactPhraseBonus = 0.5
	toWinBonus       = 0.3
	wrongTypePenalty = 0.3

	minScore = 1.0

	kalshiVolumeScale     = 10_000
	polymarketVolumeScale = 100_000
)

// wrongTypeKeywords mark a title as spread/total/prop flavored; a moneyline
// lookup penalizes them.
var wrongTypeKeywords = []string{
	"spread", "cover", "o/u", "over/under", "total points",
	"combined", "points scored", "by more than", "alt ",
}

// scoreTitle computes the match score of a venue market title against a
// game's identity for the requested market type, exclusive of volume.
func scoreTitle(title, home, away string, mt market.Type) float64 {
	normTitle := teams.Normalize(title)
	normHome := teams.Normalize(home)
	normAway := teams.Normalize(away)

	homeIn := teamInTitle(normTitle, normHome)
	awayIn := teamInTitle(normTitle, normAway)

	var score float64
	switch {
	case homeIn && awayIn:
		score += bothTeamsBonus
	case homeIn || awayIn:
		score += singleTeamBonus
	default:
		return 0 // no team, no market
	}

	if strings.Contains(normTitle, fmt.Sprintf("%s @ %s", normAway, normHome)) ||
		strings.Contains(normTitle, fmt.Sprintf("%s vs %s", normHome, normAway)) {
		score += exactPhraseBonus
	}

	if mt == market.TypeMoneyline {
		if strings.Contains(normTitle, "to win") {
			score += toWinBonus
		}
		lower := strings.ToLower(title)
		for _, kw := range wrongTypeKeywords {
			if strings.Contains(lower, kw) {
				score -= wrongTypePenalty
				break
			}
		}
	}

	return score
}

// teamInTitle reports whether a normalized team name appears in a normalized
// title, accepting the full name or the nickname (last token, 4+ chars to
// avoid city-word false hits).
func teamInTitle(normTitle, normTeam string) bool {
	if normTeam == "" {
		return false
	}
	if strings.Contains(normTitle, normTeam) {
		return true
	}
	parts := strings.Fields(normTeam)
	if len(parts) < 2 {
		return false
	}
	nick := parts[len(parts)-1]
	return len(nick) >= 4 && strings.Contains(normTitle, nick)
}

// volumeBonus is min(1, volume/scale).
func volumeBonus(volume, scale float64) float64 {
	if volume <= 0 {
		return 0
	}
	b := volume / scale
	if b > 1 {
		return 1
	}
	return b
}

// seriesForSport maps a sport to its venue-K single-game series ticker.
var seriesForSport = map[feed.Sport]string{
	feed.SportNBA:    "KXNBAGAME",
	feed.SportNFL:    "KXNFLGAME",
	feed.SportNHL:    "KXNHLGAME",
	feed.SportMLB:    "KXMLBGAME",
	feed.SportNCAAB:  "KXNCAABGAME",
	feed.SportNCAAF:  "KXNCAAFGAME",
	feed.SportMLS:    "KXMLSGAME",
	feed.SportSoccer: "KXSOCCERGAME",
	feed.SportTennis: "KXATPMATCH",
	feed.SportMMA:    "KXUFCFIGHT",
}
