package discovery

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/marketparse"
	"github.com/edgefeed/edgefeed/pkg/teams"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
	"github.com/edgefeed/edgefeed/pkg/venues/polymarket"
)

func TestScoreTitle(t *testing.T) {
	home, away := "Boston Celtics", "Los Angeles Lakers"

	tests := []struct {
		name  string
		title string
		mt    market.Type
		want  float64
	}{
		{"single team", "Will the Boston Celtics win?", market.TypeMoneyline, 0.5},
		{"single team to win", "Boston Celtics to win", market.TypeMoneyline, 0.8},
		{"both teams with phrase", "Los Angeles Lakers @ Boston Celtics Winner", market.TypeMoneyline, 1.5},
		{"vs phrase", "Boston Celtics vs Los Angeles Lakers", market.TypeMoneyline, 1.5},
		{"wrong type keyword", "Boston Celtics to cover the spread", market.TypeMoneyline, 0.2},
		{"no team", "Will the Miami Heat win?", market.TypeMoneyline, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreTitle(tt.title, home, away, tt.mt)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("scoreTitle(%q) = %v, want %v", tt.title, got, tt.want)
			}
		})
	}
}

func TestVolumeBonusCaps(t *testing.T) {
	if got := volumeBonus(5_000, kalshiVolumeScale); got != 0.5 {
		t.Errorf("bonus = %v, want 0.5", got)
	}
	if got := volumeBonus(250_000, kalshiVolumeScale); got != 1.0 {
		t.Errorf("bonus = %v, want capped at 1.0", got)
	}
	if got := volumeBonus(0, polymarketVolumeScale); got != 0 {
		t.Errorf("bonus = %v, want 0", got)
	}
}

type stubKalshiCatalog struct {
	markets []kalshi.Market
}

func (s *stubKalshiCatalog) Markets(ctx context.Context, seriesTicker, status string) ([]kalshi.Market, error) {
	return s.markets, nil
}

type stubPolyCatalog struct {
	markets []polymarket.Market
}

func (s *stubPolyCatalog) SearchMarkets(ctx context.Context, query string, limit int) ([]polymarket.Market, error) {
	return s.markets, nil
}

func newTestService(k *stubKalshiCatalog, p *stubPolyCatalog) *Service {
	return &Service{
		kalshi:  k,
		poly:    p,
		parser:  &marketparse.Parser{},
		matcher: teams.NewMatcher(),
		bus:     bus.New(),
		log:     zap.NewNop(),
	}
}

func nbaRequest(types ...market.Type) Request {
	return Request{
		RequestID:   "req-1",
		GameID:      "g1",
		Sport:       feed.SportNBA,
		HomeTeam:    "Boston Celtics",
		AwayTeam:    "Los Angeles Lakers",
		MarketTypes: types,
	}
}

func TestDiscoverSingleMarketAcceptsOnePlatform(t *testing.T) {
	k := &stubKalshiCatalog{markets: []kalshi.Market{
		{
			Ticker: "KXNBAGAME-25JAN15LALBOS-BOS",
			Title:  "Will the Boston Celtics win?",
			Volume: 50_000,
		},
	}}
	svc := newTestService(k, &stubPolyCatalog{})

	res, err := svc.Discover(context.Background(), nbaRequest(market.TypeMoneyline))
	if err != nil {
		t.Fatal(err)
	}

	found, ok := res.Markets[market.TypeMoneyline]
	if !ok {
		t.Fatal("moneyline not discovered")
	}
	c := found[market.PlatformKalshi]
	if c.MarketID != "KXNBAGAME-25JAN15LALBOS-BOS" {
		t.Errorf("market = %s", c.MarketID)
	}
	if c.Team != "Boston Celtics" {
		t.Errorf("contract team = %q, want Boston Celtics", c.Team)
	}
	if _, ok := found[market.PlatformPolymarket]; ok {
		t.Error("polymarket should have no candidate")
	}
}

func TestDiscoverMultiMarketRequiresBothPlatforms(t *testing.T) {
	k := &stubKalshiCatalog{markets: []kalshi.Market{
		{
			Ticker: "KXNBAGAME-25JAN15LALBOS-BOS",
			Title:  "Will the Boston Celtics win?",
			Volume: 50_000,
		},
	}}
	svc := newTestService(k, &stubPolyCatalog{})

	// Multi-market mode: moneyline exists only on venue K, so it is dropped.
	res, err := svc.Discover(context.Background(), nbaRequest(market.TypeMoneyline, market.TypeSpread))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Markets) != 0 {
		t.Errorf("markets = %v, want none in multi-market mode", res.Markets)
	}
}

func TestDiscoverBothPlatforms(t *testing.T) {
	k := &stubKalshiCatalog{markets: []kalshi.Market{
		{
			Ticker: "KXNBAGAME-25JAN15LALBOS-BOS",
			Title:  "Will the Boston Celtics win?",
			Volume: 80_000,
		},
	}}
	p := &stubPolyCatalog{markets: []polymarket.Market{
		{
			ConditionID: "cond-1",
			Question:    "Boston Celtics vs Los Angeles Lakers: Celtics to win",
			Active:      true,
			Volume:      200_000,
		},
	}}
	svc := newTestService(k, p)

	res, err := svc.Discover(context.Background(), nbaRequest(market.TypeMoneyline, market.TypeSpread))
	if err != nil {
		t.Fatal(err)
	}

	found, ok := res.Markets[market.TypeMoneyline]
	if !ok {
		t.Fatal("moneyline should survive with both platforms present")
	}
	if found[market.PlatformPolymarket].MarketID != "cond-1" {
		t.Errorf("poly market = %+v", found[market.PlatformPolymarket])
	}
	if _, ok := res.Markets[market.TypeSpread]; ok {
		t.Error("spread discovered from nothing")
	}
}

func TestDiscoverExcludesMultiGameTickers(t *testing.T) {
	k := &stubKalshiCatalog{markets: []kalshi.Market{
		{
			Ticker: "KXNBAMULTIGAME-25JAN15-X",
			Title:  "Will the Boston Celtics win?",
			Volume: 900_000,
		},
	}}
	svc := newTestService(k, &stubPolyCatalog{})

	res, err := svc.Discover(context.Background(), nbaRequest(market.TypeMoneyline))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Markets) != 0 {
		t.Errorf("markets = %v, want multi-game ticker excluded", res.Markets)
	}
}

func TestDiscoverRejectsLowScore(t *testing.T) {
	// One team, no phrase, tiny volume: 0.5 + 0.3 + 0.01 < 1.0.
	k := &stubKalshiCatalog{markets: []kalshi.Market{
		{
			Ticker: "KXNBAGAME-25JAN15LALBOS-BOS",
			Title:  "Boston Celtics to win",
			Volume: 100,
		},
	}}
	svc := newTestService(k, &stubPolyCatalog{})

	res, err := svc.Discover(context.Background(), nbaRequest(market.TypeMoneyline))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Markets) != 0 {
		t.Errorf("markets = %v, want below-threshold candidate rejected", res.Markets)
	}
}
