// Package marketparse extracts structured market identity from free-form
// venue titles: the market type, the contract team or player, and the line
// for spreads, totals, and props.
package marketparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

var (
	// "Lakers -3.5", "Chiefs +7", "Celtics -4.5 spread"
	spreadPattern = regexp.MustCompile(`(?i)^(.*?)\s*([+-]\d+(?:\.\d+)?)(?:\s+spread)?\s*\??$`)

	// "Over 220.5", "Total Points Over/Under 48.5", "o/u 6.5"
	totalLinePattern = regexp.MustCompile(`(?i)(?:over|under|o/u)\s*:?\s*(\d+(?:\.\d+)?)`)

	// "Will Jayson Tatum score 30+ points?", "LeBron James Over 25.5 Points"
	propPattern = regexp.MustCompile(`(?i)^(?:will\s+)?([a-z.' -]+?)\s+(?:score|record|have|get)?\s*(?:over\s+)?(\d+(?:\.\d+)?)\+?\s*(?:points|rebounds|assists|yards|goals|touchdowns|strikeouts|hits)`)

	// "Will the Boston Celtics win?", "Boston Celtics to win"
	winPattern = regexp.MustCompile(`(?i)^(?:will\s+(?:the\s+)?)?(.+?)\s+(?:to\s+)?win[\s?]*(?:the\s+game|\s+on\s+.*)?[\s?]*$`)
)

// Parser extracts a market.Parsed from venue titles. It holds no state; the
// zero value is ready to use.
type Parser struct{}

// Parse classifies a title and pulls out team/player/line. Titles it cannot
// classify return nil; callers skip those markets.
func (p *Parser) Parse(title string) *market.Parsed {
	t := strings.TrimSpace(title)
	if t == "" {
		return nil
	}
	lower := strings.ToLower(t)

	// Totals first: "over/under" is unambiguous regardless of team mentions.
	if strings.Contains(lower, "total") || strings.Contains(lower, "over/under") ||
		strings.Contains(lower, "o/u") || totalOnly(lower) {
		if m := totalLinePattern.FindStringSubmatch(t); m != nil {
			line, _ := strconv.ParseFloat(m[1], 64)
			return &market.Parsed{MarketType: market.TypeTotal, Line: line}
		}
		return nil
	}

	// Player props carry a stat keyword and a numeric threshold.
	if m := propPattern.FindStringSubmatch(t); m != nil {
		line, _ := strconv.ParseFloat(m[2], 64)
		return &market.Parsed{
			MarketType: market.TypePlayerProp,
			Player:     strings.TrimSpace(m[1]),
			Line:       line,
		}
	}

	// Spreads: team plus a signed line.
	if m := spreadPattern.FindStringSubmatch(t); m != nil && m[1] != "" {
		line, _ := strconv.ParseFloat(m[2], 64)
		return &market.Parsed{
			MarketType: market.TypeSpread,
			Team:       teams.Normalize(m[1]),
			Line:       line,
		}
	}

	// Moneyline: "X to win" / "Will X win?".
	if m := winPattern.FindStringSubmatch(t); m != nil && strings.Contains(lower, "win") {
		team := strings.TrimSpace(m[1])
		team = strings.TrimSuffix(strings.ToLower(team), " to")
		return &market.Parsed{
			MarketType: market.TypeMoneyline,
			Team:       teams.Normalize(team),
		}
	}

	return nil
}

// totalOnly reports whether the title is a bare over/under line with no team.
func totalOnly(lower string) bool {
	return (strings.HasPrefix(lower, "over ") || strings.HasPrefix(lower, "under ")) &&
		totalLinePattern.MatchString(lower)
}

// IsMultiGame reports whether a Venue-K ticker is a multi-game or parlay
// contract; those are excluded from all discovery scoring.
func IsMultiGame(ticker string) bool {
	u := strings.ToUpper(ticker)
	return strings.Contains(u, "MULTIGAME") || strings.Contains(u, "PARLAY")
}
