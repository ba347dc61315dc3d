// Package discovery resolves external game identity (sport, home, away) to
// concrete venue markets, per market type and per platform, by scoring venue
// titles against the game's teams.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/marketparse"
	"github.com/edgefeed/edgefeed/pkg/teams"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
	"github.com/edgefeed/edgefeed/pkg/venues/polymarket"
)

// Request asks for the venue markets of one game.
type Request struct {
	RequestID   string        `json:"request_id"`
	GameID      string        `json:"game_id"`
	Sport       feed.Sport    `json:"sport"`
	HomeTeam    string        `json:"home_team"`
	AwayTeam    string        `json:"away_team"`
	MarketTypes []market.Type `json:"market_types"`
}

// Candidate is one discovered venue market.
type Candidate struct {
	Platform market.Platform `json:"platform"`
	MarketID string          `json:"market_id"`
	Title    string          `json:"title"`
	Team     string          `json:"team,omitempty"`
	Score    float64         `json:"score"`
	Volume   float64         `json:"volume"`
}

// Result carries the per-type, per-platform market map for one game. A type
// missing from Markets means discovery found nothing acceptable for it.
type Result struct {
	RequestID string                                        `json:"request_id"`
	GameID    string                                        `json:"game_id"`
	Markets   map[market.Type]map[market.Platform]Candidate `json:"markets"`
}

// kalshiCatalog and polymarketCatalog are the venue client slices discovery
// needs; stubbed in tests.
type kalshiCatalog interface {
	Markets(ctx context.Context, seriesTicker, status string) ([]kalshi.Market, error)
}

type polymarketCatalog interface {
	SearchMarkets(ctx context.Context, query string, limit int) ([]polymarket.Market, error)
}

// Service answers discovery requests over the bus. Concurrent requests for
// the same game collapse into one venue round trip.
type Service struct {
	kalshi  kalshiCatalog
	poly    polymarketCatalog
	parser  *marketparse.Parser
	matcher *teams.Matcher
	sf      singleflight.Group
	bus     *bus.Bus
	log     *zap.Logger
}

// NewService wires the discovery service.
func NewService(k *kalshi.Client, p *polymarket.Client, b *bus.Bus, log *zap.Logger) *Service {
	return &Service{
		kalshi:  k,
		poly:    p,
		parser:  &marketparse.Parser{},
		matcher: teams.NewMatcher(),
		bus:     b,
		log:     log.Named("discovery"),
	}
}

// Run serves requests from the discovery topic until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	requests, cancel := s.bus.Subscribe(bus.TopicDiscoveryReq)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-requests:
			req, ok := msg.Payload.(Request)
			if !ok {
				continue
			}
			res, err := s.Discover(ctx, req)
			if err != nil {
				s.log.Warn("discovery failed",
					zap.String("game_id", req.GameID), zap.Error(err))
				res = &Result{RequestID: req.RequestID, GameID: req.GameID}
			}
			s.bus.Publish(bus.TopicDiscoveryRes, *res)
		}
	}
}

// Discover resolves the requested market types. With more than one type
// requested (multi-market discovery), a type is included only when BOTH
// platforms produced a candidate, so cross-venue arbitrage stays possible;
// a single-type request accepts whichever platform answered.
func (s *Service) Discover(ctx context.Context, req Request) (*Result, error) {
	v, err, _ := s.sf.Do(req.GameID, func() (any, error) {
		return s.discover(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	res.RequestID = req.RequestID
	return res, nil
}

func (s *Service) discover(ctx context.Context, req Request) (*Result, error) {
	types := req.MarketTypes
	if len(types) == 0 {
		types = []market.Type{market.TypeMoneyline}
	}
	multi := len(types) > 1

	kalshiMarkets, err := s.listKalshi(ctx, req.Sport)
	if err != nil {
		s.log.Warn("venue-k listing failed", zap.Error(err))
	}
	polyMarkets, err := s.searchPolymarket(ctx, req)
	if err != nil {
		s.log.Warn("venue-p search failed", zap.Error(err))
	}

	res := &Result{
		GameID:  req.GameID,
		Markets: make(map[market.Type]map[market.Platform]Candidate),
	}

	for _, mt := range types {
		found := make(map[market.Platform]Candidate)
		if c, ok := s.bestKalshi(req, mt, kalshiMarkets); ok {
			found[market.PlatformKalshi] = c
		}
		if c, ok := s.bestPolymarket(req, mt, polyMarkets); ok {
			found[market.PlatformPolymarket] = c
		}

		if len(found) == 0 {
			continue
		}
		if multi && len(found) < 2 {
			s.log.Debug("type dropped, single platform in multi-market mode",
				zap.String("game_id", req.GameID),
				zap.String("market_type", string(mt)))
			continue
		}
		res.Markets[mt] = found
	}

	return res, nil
}

func (s *Service) listKalshi(ctx context.Context, sport feed.Sport) ([]kalshi.Market, error) {
	series, ok := seriesForSport[sport]
	if !ok {
		return nil, fmt.Errorf("no venue-k series for sport %s", sport)
	}
	return s.kalshi.Markets(ctx, series, "open")
}

func (s *Service) searchPolymarket(ctx context.Context, req Request) ([]polymarket.Market, error) {
	query := fmt.Sprintf("%s %s", req.AwayTeam, req.HomeTeam)
	return s.poly.SearchMarkets(ctx, query, 100)
}

// bestKalshi scores venue-K markets for the type. Multi-game and parlay
// tickers never score.
func (s *Service) bestKalshi(req Request, mt market.Type, markets []kalshi.Market) (Candidate, bool) {
	var best Candidate
	for _, mk := range markets {
		if marketparse.IsMultiGame(mk.Ticker) {
			continue
		}
		if !s.typeMatches(mk.Title, mt) {
			continue
		}
		score := scoreTitle(mk.Title, req.HomeTeam, req.AwayTeam, mt)
		if score <= 0 {
			continue
		}
		score += volumeBonus(float64(mk.Volume), kalshiVolumeScale)
		if score <= best.Score {
			continue
		}
		best = Candidate{
			Platform: market.PlatformKalshi,
			MarketID: mk.Ticker,
			Title:    mk.Title,
			Team:     s.kalshiContractTeam(req, mk.Ticker),
			Score:    score,
			Volume:   float64(mk.Volume),
		}
	}
	return best, best.Score >= minScore
}

func (s *Service) bestPolymarket(req Request, mt market.Type, markets []polymarket.Market) (Candidate, bool) {
	var best Candidate
	for _, mk := range markets {
		if mk.Closed || !mk.Active {
			continue
		}
		if !s.typeMatches(mk.Question, mt) {
			continue
		}
		score := scoreTitle(mk.Question, req.HomeTeam, req.AwayTeam, mt)
		if score <= 0 {
			continue
		}
		score += volumeBonus(float64(mk.Volume), polymarketVolumeScale)
		if score <= best.Score {
			continue
		}

		team := ""
		if parsed := s.parser.Parse(mk.Question); parsed != nil {
			team = s.resolveTeam(req, parsed.Team)
		}
		best = Candidate{
			Platform: market.PlatformPolymarket,
			MarketID: mk.ConditionID,
			Title:    mk.Question,
			Team:     team,
			Score:    score,
			Volume:   float64(mk.Volume),
		}
	}
	return best, best.Score >= minScore
}

// typeMatches keeps only titles the parser classifies as the requested type.
// Moneyline is the parser's fallback class, so its keyword penalty (not this
// filter) handles borderline titles.
func (s *Service) typeMatches(title string, mt market.Type) bool {
	parsed := s.parser.Parse(title)
	if parsed == nil {
		return mt == market.TypeMoneyline
	}
	return parsed.MarketType == mt
}

// kalshiContractTeam maps a ticker's team code to the game's home or away
// team name.
func (s *Service) kalshiContractTeam(req Request, ticker string) string {
	tk, err := kalshi.ParseTicker(ticker)
	if err != nil {
		return ""
	}
	return s.resolveTeam(req, tk.Team)
}

// resolveTeam maps a free-form team string onto the game's home or away
// name; empty when neither matches.
func (s *Service) resolveTeam(req Request, team string) string {
	if team == "" {
		return ""
	}
	if s.matcher.Match(req.Sport, team, req.HomeTeam).IsMatch {
		return req.HomeTeam
	}
	if s.matcher.Match(req.Sport, team, req.AwayTeam).IsMatch {
		return req.AwayTeam
	}
	return ""
}
