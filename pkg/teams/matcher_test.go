package teams

import (
	"testing"

	"github.com/edgefeed/edgefeed/pkg/feed"
)

func TestMatchExact(t *testing.T) {
	m := NewMatcher()

	res := m.Match(feed.SportNBA, "Boston Celtics", "Boston Celtics")
	if !res.IsMatch || res.Confidence != 1.00 || res.Method != MethodExact {
		t.Errorf("exact match failed: %+v", res)
	}

	// Normalization: accents and case fold away.
	res = m.Match(feed.SportSoccer, "Atlético Madrid", "atletico madrid")
	if !res.IsMatch || res.Method != MethodExact {
		t.Errorf("normalized exact match failed: %+v", res)
	}
}

func TestMatchAbbreviation(t *testing.T) {
	m := NewMatcher()

	res := m.Match(feed.SportNBA, "BOS", "Boston Celtics")
	if !res.IsMatch || res.Method != MethodAbbreviation {
		t.Errorf("abbreviation match failed: %+v", res)
	}
	if res.Confidence != 0.95 {
		t.Errorf("abbreviation confidence = %v, want 0.95", res.Confidence)
	}

	res = m.Match(feed.SportNFL, "KC", "Kansas City Chiefs")
	if !res.IsMatch {
		t.Errorf("KC should match the Chiefs: %+v", res)
	}
}

func TestMatchNickname(t *testing.T) {
	m := NewMatcher()

	res := m.Match(feed.SportNBA, "Celtics", "Boston Celtics")
	if !res.IsMatch || res.Method != MethodNickname || res.Confidence != 0.85 {
		t.Errorf("nickname match failed: %+v", res)
	}
}

func TestMatchContainment(t *testing.T) {
	m := NewMatcher()

	res := m.Match(feed.SportNCAAB, "Gonzaga", "Gonzaga Bulldogs")
	if !res.IsMatch {
		t.Errorf("containment match failed: %+v", res)
	}
	if res.Method != MethodContains && res.Method != MethodNickname {
		t.Errorf("unexpected method: %+v", res)
	}
}

func TestNoMatchBelowThreshold(t *testing.T) {
	m := NewMatcher()

	res := m.Match(feed.SportNBA, "Boston Celtics", "Los Angeles Lakers")
	if res.IsMatch {
		t.Errorf("different teams must not match: %+v", res)
	}

	// Fuzzy overlap caps at 0.60, below the default 0.70 threshold.
	res = m.Match(feed.SportNBA, "Los Angeles Lakers", "Los Angeles Clippers")
	if res.IsMatch {
		t.Errorf("city-only overlap must stay below threshold: %+v", res)
	}
	if res.Confidence > 0.60 {
		t.Errorf("fuzzy confidence %v exceeds 0.60 cap", res.Confidence)
	}
}

func TestMatchWithThreshold(t *testing.T) {
	m := NewMatcher()

	// A containment match passes at 0.70 but not at 0.80.
	res := m.MatchWithThreshold(feed.SportNHL, "Utah", "Utah Mammoth", 0.80)
	if res.IsMatch && res.Method == MethodContains {
		t.Errorf("containment should fail a 0.80 threshold: %+v", res)
	}
}

func TestShortFragmentGuard(t *testing.T) {
	m := NewMatcher()

	// Three-letter fragments must not containment-match.
	res := m.Match(feed.SportTennis, "Alc", "Alcaraz")
	if res.Method == MethodContains {
		t.Errorf("length guard failed: %+v", res)
	}
}
