// Package teams provides confidence-scored team-identity matching. The
// Matcher is the single arbiter of "are these the same team" everywhere in
// the pipeline; duplicated heuristics elsewhere are a bug.
package teams

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

// Method names how a match was established, in descending specificity.
type Method string

const (
	MethodExact        Method = "exact"
	MethodAbbreviation Method = "abbreviation"
	MethodNickname     Method = "nickname"
	MethodContains     Method = "contains"
	MethodFuzzy        Method = "fuzzy"
	MethodNone         Method = "none"
)

// MatchResult is the outcome of comparing two team strings.
type MatchResult struct {
	IsMatch    bool
	Confidence float64
	Method     Method
}

// Matcher matches free-form team strings using per-sport alias tables.
type Matcher struct {
	// Threshold is the minimum confidence for IsMatch. Callers needing a
	// different bar (entry vs exit) use MatchWithThreshold.
	Threshold float64

	aliases map[feed.Sport]map[string]string // normalized alias -> canonical nickname
}

// DefaultThreshold is the default minimum confidence for both entry and
// exit matching.
const DefaultThreshold = 0.70

// NewMatcher builds a matcher with the built-in alias tables.
func NewMatcher() *Matcher {
	return &Matcher{
		Threshold: DefaultThreshold,
		aliases:   buildAliasTables(),
	}
}

// Match compares two team strings for the given sport at the default
// threshold.
func (m *Matcher) Match(sport feed.Sport, a, b string) MatchResult {
	return m.MatchWithThreshold(sport, a, b, m.Threshold)
}

// MatchWithThreshold compares two team strings; results whose confidence
// falls below the threshold report IsMatch=false but keep their score and
// method for logging.
func (m *Matcher) MatchWithThreshold(sport feed.Sport, a, b string, threshold float64) MatchResult {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return MatchResult{Method: MethodNone}
	}

	res := m.score(sport, na, nb)
	res.IsMatch = res.Confidence >= threshold && res.Method != MethodNone
	return res
}

func (m *Matcher) score(sport feed.Sport, na, nb string) MatchResult {
	if na == nb {
		return MatchResult{Confidence: 1.00, Method: MethodExact}
	}

	// Alias table: both strings resolving to the same canonical nickname.
	if table := m.aliases[sport]; table != nil {
		ca, aok := table[na]
		cb, bok := table[nb]
		if aok && bok && ca == cb {
			return MatchResult{Confidence: 0.95, Method: MethodAbbreviation}
		}
		// One side is an alias for the other's nickname.
		if aok && ca == nicknameOf(nb) {
			return MatchResult{Confidence: 0.95, Method: MethodAbbreviation}
		}
		if bok && cb == nicknameOf(na) {
			return MatchResult{Confidence: 0.95, Method: MethodAbbreviation}
		}
	}

	// Nickname: last word equality ("Boston Celtics" vs "Celtics").
	if la, lb := nicknameOf(na), nicknameOf(nb); la != "" && la == lb {
		return MatchResult{Confidence: 0.85, Method: MethodNickname}
	}

	// Containment with a length guard against trivially short fragments.
	if len(na) >= 4 && len(nb) >= 4 {
		if strings.Contains(na, nb) || strings.Contains(nb, na) {
			return MatchResult{Confidence: 0.70, Method: MethodContains}
		}
	}

	// Fuzzy token overlap, capped at 0.60.
	if overlap := tokenOverlap(na, nb); overlap > 0 {
		conf := overlap * 0.60
		return MatchResult{Confidence: conf, Method: MethodFuzzy}
	}

	return MatchResult{Method: MethodNone}
}

// SameTeam is the boolean shorthand used by ParsedMarket compatibility.
func (m *Matcher) SameTeam(sport feed.Sport) func(a, b string) bool {
	return func(a, b string) bool {
		return m.Match(sport, a, b).IsMatch
	}
}

func nicknameOf(normalized string) string {
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func tokenOverlap(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	shared := 0
	for _, t := range tb {
		if set[t] {
			shared++
		}
	}
	denom := len(ta)
	if len(tb) > denom {
		denom = len(tb)
	}
	return float64(shared) / float64(denom)
}

// Normalize lowercases, strips accents, drops punctuation, and collapses
// whitespace so alias lookups and comparisons are stable.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '.':
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
