package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/book"
	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/teams"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
	"github.com/edgefeed/edgefeed/pkg/wss"
)

const kalshiBookSubID = "orderbook"

// kalshiREST is the slice of the venue-K client the monitor needs. The REST
// poll fallback fetches top-of-book when WS data goes stale.
type kalshiREST interface {
	Market(ctx context.Context, ticker string) (*kalshi.Market, error)
}

// subSender is the WS surface the monitor drives; nil-free in production,
// stubbed in tests.
type subSender interface {
	SendJSON(v any) error
	UpdateSubscribeMessage(id string, msg any) bool
}

// KalshiMonitor maintains local books for every assigned venue-K ticker and
// publishes normalized MarketPrice records on per-game topics. One WS
// subscription covers the whole active set; assignment changes rewrite its
// subscribe message so reconnect replay always reflects the current set.
type KalshiMonitor struct {
	monCfg  config.MonitorConfig
	cfg     config.KalshiConfig
	rest    kalshiREST
	sender  subSender
	bus     *bus.Bus
	log     *zap.Logger
	met     *metrics.EngineMetrics
	matcher *teams.Matcher

	active *ActiveSet

	mu    sync.Mutex
	books map[string]*book.LocalOrderBook // ticker -> book

	ws *wss.Client
}

// NewKalshiMonitor wires the monitor; Run starts it.
func NewKalshiMonitor(cfg *config.Config, rest *kalshi.Client, signer *kalshi.Signer, b *bus.Bus, log *zap.Logger, met *metrics.EngineMetrics) *KalshiMonitor {
	m := &KalshiMonitor{
		monCfg:  cfg.Monitor,
		cfg:     cfg.Kalshi,
		rest:    rest,
		bus:     b,
		log:     log.Named("monitor.kalshi"),
		met:     met,
		matcher: teams.NewMatcher(),
		active:  NewActiveSet(),
		books:   make(map[string]*book.LocalOrderBook),
	}

	wsCfg := wss.DefaultConfig(cfg.Kalshi.WSURL + kalshi.WSPath)
	wsCfg.HeaderFunc = func() map[string]string {
		h := signer.Headers("GET", kalshi.WSPath)
		out := make(map[string]string, len(h))
		for k := range h {
			out[k] = h.Get(k)
		}
		return out
	}
	m.ws = wss.NewClient(wsCfg, wss.Handlers{
		OnReconnect: func() {
			met.WSReconnects.WithLabelValues(string(market.PlatformKalshi)).Inc()
			// Books are stale across the gap; drop them and let the
			// replayed subscribe deliver fresh snapshots.
			m.clearBooks()
		},
		OnError: func(err error) {
			m.log.Warn("ws error", zap.Error(err))
		},
	})
	m.sender = m.ws
	return m
}

// Run connects the WS feed and processes assignments, frames, and REST polls
// until ctx is done.
func (m *KalshiMonitor) Run(ctx context.Context) error {
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	defer m.ws.Close()

	sub, err := m.ws.Subscribe(wss.SubscriptionConfig{ID: kalshiBookSubID})
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
			if a, ok := msg.Payload.(Assignment); ok && a.Type == AssignKalshi {
				m.applyAssignment(a)
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

func (m *KalshiMonitor) pollInterval() time.Duration {
	if m.monCfg.PollInterval > 0 {
		return m.monCfg.PollInterval
	}
	return 10 * time.Second
}

// applyAssignment installs a game's markets into the active set. Moneyline
// games trade one ticker per team; when the orchestrator sent only one the
// complement ticker is derived and subscribed alongside it.
func (m *KalshiMonitor) applyAssignment(a Assignment) {
	byType := make(map[market.Type][]AssignedMarket)
	for _, am := range a.Markets {
		byType[am.MarketType] = append(byType[am.MarketType], am)
	}

	if ml := byType[market.TypeMoneyline]; len(ml) == 1 {
		if comp, ok := m.complement(a, ml[0]); ok {
			byType[market.TypeMoneyline] = append(ml, comp)
		}
	}

	for mt, markets := range byType {
		m.active.Assign(a.GameID, a.Sport, mt, markets)
	}

	m.log.Info("assignment applied",
		zap.String("game_id", a.GameID),
		zap.Int("markets", len(a.Markets)))
	m.refreshSubscription()
}

// complement derives the other team's moneyline ticker and names its
// contract team from the assignment's home/away pair.
func (m *KalshiMonitor) complement(a Assignment, am AssignedMarket) (AssignedMarket, bool) {
	tk, err := kalshi.ParseTicker(am.Identifier)
	if err != nil {
		m.log.Warn("cannot derive complement ticker",
			zap.String("ticker", am.Identifier), zap.Error(err))
		return AssignedMarket{}, false
	}
	comp, err := kalshi.ParseTicker(tk.Complement())
	if err != nil {
		m.log.Warn("cannot derive complement ticker",
			zap.String("ticker", am.Identifier), zap.Error(err))
		return AssignedMarket{}, false
	}

	same := m.matcher.SameTeam(a.Sport)
	team := a.HomeTeam
	if am.TeamName != "" && same(am.TeamName, a.HomeTeam) {
		team = a.AwayTeam
	}
	if team == "" {
		team = comp.Team // fall back to the ticker's team code
	}

	return AssignedMarket{
		MarketType: market.TypeMoneyline,
		Identifier: comp.String(),
		TeamName:   team,
	}, true
}

// refreshSubscription rewrites the WS subscription to the current active set
// and sends the fresh subscribe. The venue treats a repeated subscribe for an
// already-subscribed ticker as a no-op snapshot resend, which is exactly what
// the book wants.
func (m *KalshiMonitor) refreshSubscription() {
	ids := m.active.Identifiers()
	if len(ids) == 0 {
		return
	}
	cmd := kalshi.SubscribeCommand(ids)
	m.sender.UpdateSubscribeMessage(kalshiBookSubID, cmd)
	if err := m.sender.SendJSON(cmd); err != nil {
		m.log.Warn("subscribe send failed", zap.Error(err))
	}
}

// handleFrame routes one inbound WS frame.
func (m *KalshiMonitor) handleFrame(data []byte) {
	msg, err := kalshi.ParseMessage(data)
	if err != nil {
		m.log.Warn("unparseable frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case kalshi.TypeSnapshot:
		s, err := msg.Snapshot()
		if err != nil {
			m.log.Warn("bad snapshot", zap.Error(err))
			return
		}
		m.applySnapshot(s, msg.Seq)
	case kalshi.TypeDelta:
		d, err := msg.Delta()
		if err != nil {
			m.log.Warn("bad delta", zap.Error(err))
			return
		}
		m.applyDelta(d, msg.Seq)
	case kalshi.TypeError:
		m.log.Warn("venue error frame", zap.ByteString("msg", msg.Msg))
	}
}

func (m *KalshiMonitor) applySnapshot(s *kalshi.BookSnapshot, seq int64) {
	entry, ok := m.active.Lookup(s.MarketTicker)
	if !ok {
		m.staleDrop(s.MarketTicker)
		return
	}

	bk := m.book(s.MarketTicker)
	bk.ApplySnapshot(toLevels(s.Yes), toLevels(s.No), seq, time.Now().UnixMilli())
	m.publish(entry, bk)
}

func (m *KalshiMonitor) applyDelta(d *kalshi.BookDelta, seq int64) {
	entry, ok := m.active.Lookup(d.MarketTicker)
	if !ok {
		m.staleDrop(d.MarketTicker)
		return
	}

	m.mu.Lock()
	bk, haveBook := m.books[d.MarketTicker]
	m.mu.Unlock()
	if !haveBook {
		// No snapshot yet; deltas are meaningless until one lands.
		return
	}

	side := book.SideYesBid
	if d.Side == "no" {
		side = book.SideNoBid
	}

	if err := bk.ApplyDelta(d.Price, d.Delta, side, seq, time.Now().UnixMilli()); err != nil {
		if _, gap := err.(*book.ErrSequenceGap); gap {
			m.met.BookGaps.WithLabelValues(string(market.PlatformKalshi)).Inc()
			m.log.Warn("sequence gap, resubscribing",
				zap.String("ticker", d.MarketTicker), zap.Error(err))
			m.bus.Publish(bus.TopicSystemAlerts,
				market.NewAlert(market.AlertSequenceGap, "monitor.kalshi", d.MarketTicker+": "+err.Error()))
			bk.Clear()
			m.refreshSubscription()
			return
		}
		m.log.Warn("delta apply failed", zap.Error(err))
		return
	}
	m.publish(entry, bk)
}

func (m *KalshiMonitor) staleDrop(ticker string) {
	m.met.StaleDrops.WithLabelValues(string(market.PlatformKalshi)).Inc()
	m.log.Debug("dropped message for unassigned ticker", zap.String("ticker", ticker))
}

func (m *KalshiMonitor) book(ticker string) *book.LocalOrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	bk, ok := m.books[ticker]
	if !ok {
		bk = book.NewLocalOrderBook(ticker, string(market.PlatformKalshi))
		m.books[ticker] = bk
	}
	return bk
}

func (m *KalshiMonitor) clearBooks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*book.LocalOrderBook)
}

// publish emits the book's current top as a normalized MarketPrice.
func (m *KalshiMonitor) publish(entry Entry, bk *book.LocalOrderBook) {
	q := bk.BestQuote()
	status := market.StatusOpen
	if !q.Usable {
		// Crossed or one-sided; downstream treats it as unexecutable.
		status = market.StatusClosed
	}

	p := &market.Price{
		MarketID:     entry.MarketID,
		Platform:     market.PlatformKalshi,
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

	m.met.PriceUpdates.WithLabelValues(string(market.PlatformKalshi)).Inc()
	m.bus.Publish(bus.GamePriceTopic(entry.GameID), p)
	if m.monCfg.FastPath {
		m.bus.Publish(bus.TopicPriceFastPath, p)
	}
}

// pollStale REST-fetches top-of-book for tickers whose WS book is older than
// the stale TTL, filling gaps until live data resumes.
func (m *KalshiMonitor) pollStale(ctx context.Context) {
	ttl := m.monCfg.StaleTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()

	for _, ticker := range m.active.Identifiers() {
		m.mu.Lock()
		bk, ok := m.books[ticker]
		m.mu.Unlock()
		if ok && bk.UpdatedMillis() >= cutoff {
			continue
		}

		entry, live := m.active.Lookup(ticker)
		if !live {
			continue
		}
		mk, err := m.rest.Market(ctx, ticker)
		if err != nil {
			m.log.Warn("rest poll failed", zap.String("ticker", ticker), zap.Error(err))
			continue
		}

		p := &market.Price{
			MarketID:     entry.MarketID,
			Platform:     market.PlatformKalshi,
			ContractTeam: entry.ContractTeam,
			GameID:       entry.GameID,
			MarketType:   entry.MarketType,
			YesBid:       decimal.New(mk.YesBid, -2),
			YesAsk:       decimal.New(mk.YesAsk, -2),
			Volume:       decimal.NewFromInt(mk.Volume),
			Status:       normalizeKalshiStatus(mk.Status),
			Timestamp:    time.Now(),
		}
		m.met.PriceUpdates.WithLabelValues(string(market.PlatformKalshi)).Inc()
		m.bus.Publish(bus.GamePriceTopic(entry.GameID), p)
	}
}

// normalizeKalshiStatus maps venue wire statuses (live markets report
// "active") onto the internal taxonomy; anything unrecognized is closed.
func normalizeKalshiStatus(s string) market.Status {
	switch s {
	case "active", "open":
		return market.StatusOpen
	case "settled", "finalized":
		return market.StatusSettled
	default:
		return market.StatusClosed
	}
}

func toLevels(pairs [][2]int64) []book.Level {
	levels := make([]book.Level, 0, len(pairs))
	for _, p := range pairs {
		levels = append(levels, book.Level{PriceCents: p[0], Quantity: p[1]})
	}
	return levels
}
