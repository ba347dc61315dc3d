package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/book"
	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/venues/polymarket"
	"github.com/edgefeed/edgefeed/pkg/wss"
)

const polymarketSubID = "market"

// polymarketREST is the slice of the venue-P client the monitor needs:
// condition-id resolution to outcome tokens, plus the book endpoint for the
// stale-data poll fallback.
type polymarketREST interface {
	GetMarket(ctx context.Context, conditionID string) (*polymarket.Market, error)
	GetBook(ctx context.Context, tokenID string) (*polymarket.Book, error)
}

// PolymarketMonitor tracks assigned venue-P markets by outcome token.
// Assignments arrive keyed by condition id; the monitor resolves each to its
// token/outcome pairs and keeps one local book per token. Prices publish
// under the condition id with ContractTeam distinguishing the two moneyline
// rows.
//
// The monitor refuses to start from a restricted egress region, and sends
// the venue's mandatory client heartbeat every 5 seconds while connected.
type PolymarketMonitor struct {
	monCfg config.MonitorConfig
	cfg    config.PolymarketConfig
	rest   polymarketREST
	sender subSender
	bus    *bus.Bus
	log    *zap.Logger
	met    *metrics.EngineMetrics

	active *ActiveSet // keyed by outcome token id

	mu    sync.Mutex
	books map[string]*book.LocalOrderBook // token id -> book

	ws *wss.Client
}

// NewPolymarketMonitor wires the monitor; Run starts it.
func NewPolymarketMonitor(cfg *config.Config, rest *polymarket.Client, b *bus.Bus, log *zap.Logger, met *metrics.EngineMetrics) *PolymarketMonitor {
	m := &PolymarketMonitor{
		monCfg: cfg.Monitor,
		cfg:    cfg.Polymarket,
		rest:   rest,
		bus:    b,
		log:    log.Named("monitor.polymarket"),
		met:    met,
		active: NewActiveSet(),
		books:  make(map[string]*book.LocalOrderBook),
	}

	wsCfg := wss.DefaultConfig(cfg.Polymarket.WSURL)
	wsCfg.HeartbeatInterval = cfg.Polymarket.HeartbeatInterval
	if wsCfg.HeartbeatInterval <= 0 {
		wsCfg.HeartbeatInterval = 5 * time.Second
	}
	wsCfg.HeartbeatMessage = polymarket.HeartbeatMessage
	m.ws = wss.NewClient(wsCfg, wss.Handlers{
		OnReconnect: func() {
			met.WSReconnects.WithLabelValues(string(market.PlatformPolymarket)).Inc()
			m.clearBooks()
		},
		OnError: func(err error) {
			m.log.Warn("ws error", zap.Error(err))
		},
	})
	m.sender = m.ws
	return m
}

// Run verifies egress, connects the WS feed, and processes assignments,
// events, and REST polls until ctx is done. A geo violation is returned
// as-is: the caller must treat it as fatal.
func (m *PolymarketMonitor) Run(ctx context.Context) error {
	if err := polymarket.VerifyEgress(ctx, m.cfg, m.log); err != nil {
		m.bus.Publish(bus.TopicSystemAlerts,
			market.NewAlert(market.AlertGeoViolation, "monitor.polymarket", err.Error()))
		return err
	}

	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	defer m.ws.Close()

	sub, err := m.ws.Subscribe(wss.SubscriptionConfig{ID: polymarketSubID})
	if err != nil {
		return err
	}

	assignments, cancelAssign := m.bus.Subscribe(bus.TopicAssignments)
	defer cancelAssign()
	ended, cancelEnded := m.bus.Subscribe(bus.TopicGamesEnded)
	defer cancelEnded()

	pollTicker := time.NewTicker(m.pollInterval())
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-assignments:
			if a, ok := msg.Payload.(Assignment); ok && a.Type == AssignPolymarket {
				m.applyAssignment(ctx, a)
			}
		case msg := <-ended:
			if ge, ok := msg.Payload.(market.GameEnded); ok {
				m.active.Remove(ge.GameID)
				m.refreshSubscription()
			}
		case data, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			m.handleFrame(data)
		case <-pollTicker.C:
			m.pollStale(ctx)
		}
	}
}

func (m *PolymarketMonitor) pollInterval() time.Duration {
	if m.monCfg.PollInterval > 0 {
		return m.monCfg.PollInterval
	}
	return 10 * time.Second
}

// applyAssignment resolves each assigned condition id to its outcome tokens
// and installs them in the active set.
func (m *PolymarketMonitor) applyAssignment(ctx context.Context, a Assignment) {
	byType := make(map[market.Type][]AssignedMarket)

	for _, am := range a.Markets {
		mk, err := m.rest.GetMarket(ctx, am.Identifier)
		if err != nil {
			m.log.Warn("market resolution failed",
				zap.String("condition_id", am.Identifier), zap.Error(err))
			continue
		}
		tokens, err := m.tokenMarkets(a, am, mk)
		if err != nil {
			m.log.Warn("token decode failed",
				zap.String("condition_id", am.Identifier), zap.Error(err))
			continue
		}
		byType[am.MarketType] = append(byType[am.MarketType], tokens...)
	}

	for mt, markets := range byType {
		m.active.Assign(a.GameID, a.Sport, mt, markets)
	}

	m.log.Info("assignment applied",
		zap.String("game_id", a.GameID),
		zap.Int("markets", len(a.Markets)))
	m.refreshSubscription()
}

// tokenMarkets maps a resolved market's outcome tokens to assigned markets.
// Team-named outcomes carry their own contract team; binary yes/no outcomes
// track the YES token only, under the assignment's team. A moneyline with no
// team anywhere assumes the home team, logged loudly, because ContractTeam
// must never be empty downstream.
func (m *PolymarketMonitor) tokenMarkets(a Assignment, am AssignedMarket, mk *polymarket.Market) ([]AssignedMarket, error) {
	tokens, err := mk.TokenIDs()
	if err != nil {
		return nil, err
	}
	outcomes, err := mk.Outcomes()
	if err != nil {
		return nil, err
	}

	var out []AssignedMarket
	for i, token := range tokens {
		outcome := ""
		if i < len(outcomes) {
			outcome = outcomes[i]
		}

		team := outcome
		switch strings.ToLower(outcome) {
		case "yes":
			team = am.TeamName
			if team == "" {
				team = a.HomeTeam
				m.log.Warn("assignment missing contract team, assuming home",
					zap.String("condition_id", am.Identifier),
					zap.String("team", team))
			}
		case "no":
			// The NO token mirrors the YES book; one side is enough.
			continue
		}
		if team == "" {
			team = a.HomeTeam
			m.log.Warn("outcome missing team label, assuming home",
				zap.String("condition_id", am.Identifier))
		}

		out = append(out, AssignedMarket{
			MarketType: am.MarketType,
			Identifier: token,
			MarketID:   am.Identifier,
			TeamName:   team,
		})
	}
	return out, nil
}

func (m *PolymarketMonitor) refreshSubscription() {
	tokens := m.active.Identifiers()
	if len(tokens) == 0 {
		return
	}
	msg := polymarket.SubscribeMessage(tokens)
	m.sender.UpdateSubscribeMessage(polymarketSubID, msg)
	if err := m.sender.SendJSON(msg); err != nil {
		m.log.Warn("subscribe send failed", zap.Error(err))
	}
}

// handleFrame routes one inbound WS frame, which may batch several events.
func (m *PolymarketMonitor) handleFrame(data []byte) {
	events, err := polymarket.ParseEvents(data)
	if err != nil {
		m.log.Warn("unparseable frame", zap.Error(err))
		return
	}
	for i := range events {
		m.handleEvent(&events[i])
	}
}

func (m *PolymarketMonitor) handleEvent(ev *polymarket.WSEvent) {
	entry, ok := m.active.Lookup(ev.AssetID)
	if !ok {
		m.met.StaleDrops.WithLabelValues(string(market.PlatformPolymarket)).Inc()
		m.log.Debug("dropped event for unassigned token", zap.String("asset_id", ev.AssetID))
		return
	}

	now := time.Now().UnixMilli()
	switch ev.EventType {
	case polymarket.TypeBook:
		bk := m.book(ev.AssetID)
		bk.ApplyDirectSnapshot(toBookLevels(ev.Bids), toBookLevels(ev.Asks), 0, now)
		m.publish(entry, bk)
	case polymarket.TypePriceChange:
		m.mu.Lock()
		bk, haveBook := m.books[ev.AssetID]
		m.mu.Unlock()
		if !haveBook {
			return
		}
		for _, ch := range ev.Changes {
			side := book.SideYesBid
			if strings.EqualFold(ch.Side, "SELL") {
				side = book.SideYesAsk
			}
			cents := toCents(ch.Price)
			qty := toQty(ch.Size)
			if cents <= 0 {
				continue
			}
			bk.SetLevel(cents, qty, side, now)
		}
		m.publish(entry, bk)
	case polymarket.TypeLastTradePrice, polymarket.TypeTickSizeChange:
		// Not book-affecting; the shard consumes top-of-book only.
	}
}

func (m *PolymarketMonitor) book(tokenID string) *book.LocalOrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	bk, ok := m.books[tokenID]
	if !ok {
		bk = book.NewLocalOrderBook(tokenID, string(market.PlatformPolymarket))
		m.books[tokenID] = bk
	}
	return bk
}

func (m *PolymarketMonitor) clearBooks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*book.LocalOrderBook)
}

func (m *PolymarketMonitor) publish(entry Entry, bk *book.LocalOrderBook) {
	q := bk.BestQuote()
	status := market.StatusOpen
	if !q.Usable {
		status = market.StatusClosed
	}

	p := &market.Price{
		MarketID:     entry.MarketID,
		Platform:     market.PlatformPolymarket,
		ContractTeam: entry.ContractTeam,
		GameID:       entry.GameID,
		MarketType:   entry.MarketType,
		YesBid:       decimal.New(q.BidCents, -2),
		YesAsk:       decimal.New(q.AskCents, -2),
		BidSize:      decimal.NewFromInt(q.BidQty),
		AskSize:      decimal.NewFromInt(q.AskQty),
		Status:       status,
		Timestamp:    time.Now(),
	}

	m.met.PriceUpdates.WithLabelValues(string(market.PlatformPolymarket)).Inc()
	m.bus.Publish(bus.GamePriceTopic(entry.GameID), p)
	if m.monCfg.FastPath {
		m.bus.Publish(bus.TopicPriceFastPath, p)
	}
}

// pollStale REST-fetches the book for tokens whose WS book is older than the
// stale TTL.
func (m *PolymarketMonitor) pollStale(ctx context.Context) {
	ttl := m.monCfg.StaleTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()

	for _, token := range m.active.Identifiers() {
		m.mu.Lock()
		bk, ok := m.books[token]
		m.mu.Unlock()
		if ok && bk.UpdatedMillis() >= cutoff {
			continue
		}

		entry, live := m.active.Lookup(token)
		if !live {
			continue
		}
		rb, err := m.rest.GetBook(ctx, token)
		if err != nil {
			m.log.Warn("rest poll failed", zap.String("token", token), zap.Error(err))
			continue
		}

		bk = m.book(token)
		bk.ApplyDirectSnapshot(toBookLevels(rb.Bids), toBookLevels(rb.Asks), 0, time.Now().UnixMilli())
		m.publish(entry, bk)
	}
}

// --- Wire conversions ---

func toBookLevels(levels []polymarket.BookLevel) []book.Level {
	out := make([]book.Level, 0, len(levels))
	for _, lvl := range levels {
		cents := toCents(lvl.Price)
		if cents <= 0 {
			continue
		}
		out = append(out, book.Level{PriceCents: cents, Quantity: toQty(lvl.Size)})
	}
	return out
}

// toCents converts a decimal probability string ("0.44") to integer cents.
func toCents(price string) int64 {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// toQty converts a decimal size string to whole contracts, rounding down.
func toQty(size string) int64 {
	d, err := decimal.NewFromString(size)
	if err != nil {
		return 0
	}
	return d.IntPart()
}
