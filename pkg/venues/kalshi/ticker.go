package kalshi

import (
	"fmt"
	"regexp"
	"strings"
)

// Game-market tickers are structured {SERIES}-{DATE}{AWAY}{HOME}-{TEAM}:
// KXNBAGAME-25DEC25LALBOS-BOS is the 2025-12-25 LAL@BOS game, Celtics side.
// The event segment packs a date code and two three-letter-ish team codes;
// the trailing segment names the contract team.
type Ticker struct {
	Series string
	Event  string // {DATE}{AWAY}{HOME}
	Date   string
	Away   string
	Home   string
	Team   string
}

var datePattern = regexp.MustCompile(`^\d{2}[A-Z]{3}\d{2}`)

// ParseTicker splits a game-market ticker into its segments. Multi-game and
// parlay tickers are rejected; callers exclude them from discovery anyway.
func ParseTicker(raw string) (*Ticker, error) {
	u := strings.ToUpper(strings.TrimSpace(raw))
	if u == "" {
		return nil, fmt.Errorf("empty ticker")
	}
	if strings.Contains(u, "MULTIGAME") || strings.Contains(u, "PARLAY") {
		return nil, fmt.Errorf("multi-game ticker %s", raw)
	}

	parts := strings.Split(u, "-")
	if len(parts) != 3 {
		return nil, fmt.Errorf("ticker %s: want SERIES-EVENT-TEAM", raw)
	}

	t := &Ticker{Series: parts[0], Event: parts[1], Team: parts[2]}

	date := datePattern.FindString(parts[1])
	if date == "" {
		return nil, fmt.Errorf("ticker %s: no date code in event segment %q", raw, parts[1])
	}
	t.Date = date

	// Team codes are 2-4 letters and the away/home boundary is not encoded;
	// the trailing team segment disambiguates since it names one of the two.
	codes := parts[1][len(date):]
	away, home, err := splitTeamCodes(codes, t.Team)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", raw, err)
	}
	t.Away, t.Home = away, home

	return t, nil
}

func splitTeamCodes(codes, team string) (away, home string, err error) {
	n := len(codes)
	for awayLen := 2; awayLen <= 4; awayLen++ {
		homeLen := n - awayLen
		if homeLen < 2 || homeLen > 4 {
			continue
		}
		a, h := codes[:awayLen], codes[awayLen:]
		if a == team || h == team {
			return a, h, nil
		}
	}
	return "", "", fmt.Errorf("team %s does not split %q", team, codes)
}

// Complement returns the same event's other-team ticker. Moneyline needs
// both sides subscribed; when discovery returns one contract the monitor
// derives its sibling from the ticker structure.
func (t *Ticker) Complement() string {
	other := t.Home
	if t.Team == t.Home {
		other = t.Away
	}
	return fmt.Sprintf("%s-%s-%s", t.Series, t.Event, other)
}

// String reassembles the ticker.
func (t *Ticker) String() string {
	return fmt.Sprintf("%s-%s-%s", t.Series, t.Event, t.Team)
}

// EventTicker returns the series-event pair without the team segment, the
// venue's grouping key for a single game.
func (t *Ticker) EventTicker() string {
	return t.Series + "-" + t.Event
}
