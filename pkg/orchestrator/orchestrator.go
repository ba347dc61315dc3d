// Package orchestrator owns the game-to-shard assignment map. It discovers
// live games, resolves their venue markets, routes each game to the shard
// with the most headroom, and reassigns the games of a shard whose
// heartbeats stop.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/discovery"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/monitor"
	"github.com/edgefeed/edgefeed/pkg/shard"
	"github.com/edgefeed/edgefeed/pkg/store"
)

// defaultShardCapacity applies until a shard's first heartbeat reports its
// real limit.
const defaultShardCapacity = 8

// tradableTypes is what discovery is asked for; types it cannot resolve
// fall away and moneyline alone still trades the game.
var tradableTypes = []market.Type{market.TypeMoneyline, market.TypeSpread, market.TypeTotal}

// discoverer is the slice of the discovery service the orchestrator uses.
type discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (*discovery.Result, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Feed      feed.Scoreboard
	Discovery discoverer
	Bus       *bus.Bus
	Store     *store.Store
	Metrics   *metrics.EngineMetrics
	Log       *zap.Logger
}

// assignment is one game's routing record.
type assignment struct {
	info    feed.GameInfo
	shardID string
	markets map[market.Type]map[market.Platform]string
	teams   map[market.Platform]map[string]string // platform -> market id -> contract team
}

// shardState is the orchestrator's view of one shard.
type shardState struct {
	games    map[string]struct{}
	maxGames int
	lastBeat time.Time
	healthy  bool
}

// Orchestrator runs the discovery and assignment loop. It holds no trading
// state; everything here is rebuildable from one discovery cycle.
type Orchestrator struct {
	cfg  config.OrchestratorConfig
	feed feed.Scoreboard
	disc discoverer
	bus  *bus.Bus
	st   *store.Store
	met  *metrics.EngineMetrics
	log  *zap.Logger

	mu          sync.Mutex
	assignments map[string]*assignment
	shards      map[string]*shardState
}

// New builds an orchestrator managing the configured shard ids.
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		feed:        deps.Feed,
		disc:        deps.Discovery,
		bus:         deps.Bus,
		st:          deps.Store,
		met:         deps.Metrics,
		log:         deps.Log.Named("orchestrator"),
		assignments: make(map[string]*assignment),
		shards:      make(map[string]*shardState),
	}
	for _, id := range cfg.ShardIDs {
		o.shards[id] = &shardState{
			games:    make(map[string]struct{}),
			maxGames: defaultShardCapacity,
			healthy:  true,
		}
		o.met.ShardHealthy.WithLabelValues(id).Set(1)
	}
	return o
}

// Run drives discovery, heartbeat tracking, and game-ended cleanup.
func (o *Orchestrator) Run(ctx context.Context) error {
	var beatChans []<-chan bus.Message
	for _, id := range o.cfg.ShardIDs {
		ch, cancel := o.bus.Subscribe(bus.ShardHeartbeatTopic(id))
		defer cancel()
		beatChans = append(beatChans, ch)
	}
	beats := merge(ctx, beatChans)
	ended, cancelEnded := o.bus.Subscribe(bus.TopicGamesEnded)
	defer cancelEnded()

	interval := o.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	discover := time.NewTicker(interval)
	defer discover.Stop()
	health := time.NewTicker(interval / 2)
	defer health.Stop()

	o.discoverCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-discover.C:
			o.discoverCycle(ctx)
		case <-health.C:
			o.checkShardHealth(time.Now())
		case msg := <-beats:
			if hb, ok := msg.Payload.(shard.Heartbeat); ok {
				o.onHeartbeat(hb)
			}
		case msg := <-ended:
			if ge, ok := msg.Payload.(market.GameEnded); ok {
				o.onGameEnded(ge.GameID)
			}
		}
	}
}

// merge fans several subscription channels into one.
func merge(ctx context.Context, chans []<-chan bus.Message) <-chan bus.Message {
	out := make(chan bus.Message)
	for _, ch := range chans {
		go func(ch <-chan bus.Message) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	return out
}

// discoverCycle enumerates live games across the configured sports, assigns
// any it is not already tracking, and unassigns games that left the
// scoreboard without a final.
func (o *Orchestrator) discoverCycle(ctx context.Context) {
	live := make(map[string]feed.GameInfo)
	polled := make(map[feed.Sport]bool)
	for _, s := range o.cfg.Sports {
		sport := feed.Sport(s)
		games, err := o.feed.LiveGames(ctx, sport)
		if err != nil {
			o.log.Warn("scoreboard fetch failed",
				zap.String("sport", s), zap.Error(err))
			continue
		}
		polled[sport] = true
		for _, g := range games {
			live[g.GameID] = g
		}
	}

	for id, info := range live {
		o.mu.Lock()
		_, known := o.assignments[id]
		o.mu.Unlock()
		if known {
			continue
		}
		o.assignGame(ctx, info)
	}

	o.reapVanished(live, polled)
	o.handoffFutures(ctx, live)
}

// reapVanished unassigns games that are gone from the scoreboard without a
// games:ended event (postponed, abandoned). Sports whose fetch failed this
// cycle are skipped so a flaky poll cannot drop live games.
func (o *Orchestrator) reapVanished(live map[string]feed.GameInfo, polled map[feed.Sport]bool) {
	o.mu.Lock()
	var gone []*assignment
	for id, a := range o.assignments {
		if !polled[a.info.Sport] {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		delete(o.assignments, id)
		if st := o.shards[a.shardID]; st != nil {
			delete(st.games, id)
			o.met.ActiveGames.WithLabelValues(a.shardID).Set(float64(len(st.games)))
		}
		gone = append(gone, a)
	}
	o.mu.Unlock()

	for _, a := range gone {
		o.bus.Publish(bus.ShardCommandTopic(a.shardID), shard.Command{
			Type:   shard.CommandRemoveGame,
			GameID: a.info.GameID,
		})
		o.log.Warn("game left scoreboard without a final, unassigning",
			zap.String("game", a.info.GameID),
			zap.String("shard", a.shardID))
	}
}

// assignGame resolves venue markets and routes the game to a shard. When
// multi-market discovery comes back empty it retries with moneyline alone,
// which accepts a single platform; mispricing signals need only one venue.
// A game with no discoverable market at all is skipped and retried next
// cycle.
func (o *Orchestrator) assignGame(ctx context.Context, info feed.GameInfo) {
	res, err := o.discoverMarkets(ctx, info, tradableTypes)
	if err != nil {
		o.log.Warn("discovery failed",
			zap.String("game", info.GameID), zap.Error(err))
		return
	}
	if len(res.Markets) == 0 {
		res, err = o.discoverMarkets(ctx, info, []market.Type{market.TypeMoneyline})
		if err != nil {
			o.log.Warn("moneyline fallback failed",
				zap.String("game", info.GameID), zap.Error(err))
			return
		}
	}
	if len(res.Markets) == 0 {
		o.log.Debug("no venue markets yet", zap.String("game", info.GameID))
		return
	}

	markets := make(map[market.Type]map[market.Platform]string, len(res.Markets))
	contractTeams := map[market.Platform]map[string]string{}
	for mt, byPlatform := range res.Markets {
		markets[mt] = make(map[market.Platform]string, len(byPlatform))
		for platform, cand := range byPlatform {
			markets[mt][platform] = cand.MarketID
			if contractTeams[platform] == nil {
				contractTeams[platform] = map[string]string{}
			}
			contractTeams[platform][cand.MarketID] = cand.Team
		}
	}

	o.mu.Lock()
	shardID, ok := o.pickShard()
	if !ok {
		o.mu.Unlock()
		o.log.Warn("no shard capacity", zap.String("game", info.GameID))
		return
	}
	a := &assignment{info: info, shardID: shardID, markets: markets, teams: contractTeams}
	o.assignments[info.GameID] = a
	o.shards[shardID].games[info.GameID] = struct{}{}
	o.met.ActiveGames.WithLabelValues(shardID).Set(float64(len(o.shards[shardID].games)))
	o.mu.Unlock()

	o.sendAdd(a)
	o.log.Info("game assigned",
		zap.String("game", info.GameID),
		zap.String("sport", string(info.Sport)),
		zap.String("shard", shardID),
		zap.Int("market_types", len(markets)))
}

func (o *Orchestrator) discoverMarkets(ctx context.Context, info feed.GameInfo, types []market.Type) (*discovery.Result, error) {
	return o.disc.Discover(ctx, discovery.Request{
		RequestID:   uuid.NewString(),
		GameID:      info.GameID,
		Sport:       info.Sport,
		HomeTeam:    info.HomeTeam,
		AwayTeam:    info.AwayTeam,
		MarketTypes: types,
	})
}

// pickShard returns the healthy shard with the most free capacity; ties go
// to the lexicographically smallest id so reassignment is deterministic.
// Callers hold o.mu.
func (o *Orchestrator) pickShard() (string, bool) {
	best := ""
	bestFree := 0
	for _, id := range o.cfg.ShardIDs {
		st := o.shards[id]
		if !st.healthy {
			continue
		}
		free := st.maxGames - len(st.games)
		if free > bestFree || (free == bestFree && free > 0 && (best == "" || id < best)) {
			best, bestFree = id, free
		}
	}
	return best, best != ""
}

// sendAdd publishes the shard command and both venue assignments for one
// game. Re-sending for a game the shard already runs updates its market map.
func (o *Orchestrator) sendAdd(a *assignment) {
	o.bus.Publish(bus.ShardCommandTopic(a.shardID), shard.Command{
		Type:      shard.CommandAddGame,
		GameID:    a.info.GameID,
		Sport:     a.info.Sport,
		HomeTeam:  a.info.HomeTeam,
		AwayTeam:  a.info.AwayTeam,
		StartTime: a.info.StartTime,
		Markets:   a.markets,
	})
	o.publishAssignment(a, market.PlatformKalshi, monitor.AssignKalshi)
	o.publishAssignment(a, market.PlatformPolymarket, monitor.AssignPolymarket)
}

func (o *Orchestrator) publishAssignment(a *assignment, platform market.Platform, assignType string) {
	var assigned []monitor.AssignedMarket
	for mt, byPlatform := range a.markets {
		id, ok := byPlatform[platform]
		if !ok {
			continue
		}
		assigned = append(assigned, monitor.AssignedMarket{
			MarketType: mt,
			Identifier: id,
			TeamName:   a.teams[platform][id],
		})
	}
	if len(assigned) == 0 {
		return
	}
	o.bus.Publish(bus.TopicAssignments, monitor.Assignment{
		Type:     assignType,
		GameID:   a.info.GameID,
		Sport:    a.info.Sport,
		HomeTeam: a.info.HomeTeam,
		AwayTeam: a.info.AwayTeam,
		Markets:  assigned,
	})
}

// onHeartbeat refreshes a shard's liveness and reconciles its capacity.
func (o *Orchestrator) onHeartbeat(hb shard.Heartbeat) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.shards[hb.ShardID]
	if !ok {
		return
	}
	st.lastBeat = hb.Timestamp
	if hb.MaxGames > 0 {
		st.maxGames = hb.MaxGames
	}
	if !st.healthy {
		st.healthy = true
		o.met.ShardHealthy.WithLabelValues(hb.ShardID).Set(1)
		o.log.Info("shard recovered", zap.String("shard", hb.ShardID))
	}
}

// checkShardHealth times out silent shards and reassigns their games.
func (o *Orchestrator) checkShardHealth(now time.Time) {
	timeout := o.cfg.ShardTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	o.mu.Lock()
	var lost []string
	for id, st := range o.shards {
		if !st.healthy || st.lastBeat.IsZero() {
			continue
		}
		if now.Sub(st.lastBeat) > timeout {
			st.healthy = false
			o.met.ShardHealthy.WithLabelValues(id).Set(0)
			lost = append(lost, id)
		}
	}
	o.mu.Unlock()

	for _, id := range lost {
		o.log.Warn("shard timed out", zap.String("shard", id))
		o.redistribute(id)
	}
}

// redistribute moves a dead shard's games onto the remaining healthy ones.
func (o *Orchestrator) redistribute(deadID string) {
	o.mu.Lock()
	st := o.shards[deadID]
	var moved []*assignment
	for gameID := range st.games {
		a := o.assignments[gameID]
		if a == nil {
			continue
		}
		target, ok := o.pickShard()
		if !ok {
			o.log.Error("no healthy shard for reassignment",
				zap.String("game", gameID))
			continue
		}
		a.shardID = target
		o.shards[target].games[gameID] = struct{}{}
		o.met.ActiveGames.WithLabelValues(target).Set(float64(len(o.shards[target].games)))
		moved = append(moved, a)
	}
	st.games = make(map[string]struct{})
	o.met.ActiveGames.WithLabelValues(deadID).Set(0)
	o.mu.Unlock()

	for _, a := range moved {
		o.sendAdd(a)
		o.log.Info("game reassigned",
			zap.String("game", a.info.GameID),
			zap.String("from", deadID),
			zap.String("to", a.shardID))
	}
}

// onGameEnded drops the game from the assignment map and tells its shard.
// The shard that detected the ending already stopped the game loop; the
// remove command is a no-op there and covers endings detected elsewhere.
func (o *Orchestrator) onGameEnded(gameID string) {
	o.mu.Lock()
	a, ok := o.assignments[gameID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.assignments, gameID)
	if st := o.shards[a.shardID]; st != nil {
		delete(st.games, gameID)
		o.met.ActiveGames.WithLabelValues(a.shardID).Set(float64(len(st.games)))
	}
	o.mu.Unlock()

	o.bus.Publish(bus.ShardCommandTopic(a.shardID), shard.Command{
		Type:   shard.CommandRemoveGame,
		GameID: gameID,
	})
	o.log.Info("game unassigned", zap.String("game", gameID))
}

// handoffFutures marks pre-game futures rows handed off once their game
// appears on the live scoreboard.
func (o *Orchestrator) handoffFutures(ctx context.Context, live map[string]feed.GameInfo) {
	rows, err := o.st.PendingFutures(ctx)
	if err != nil {
		o.log.Warn("futures query failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		if _, ok := live[row.GameID]; !ok {
			continue
		}
		if err := o.st.MarkFuturesHandedOff(ctx, row.GameID); err != nil {
			o.log.Warn("futures handoff failed",
				zap.String("game", row.GameID), zap.Error(err))
			continue
		}
		o.log.Info("futures handed off to live trading",
			zap.String("game", row.GameID))
	}
}

// Assignments returns a copy of the current game-to-shard map.
func (o *Orchestrator) Assignments() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.assignments))
	for id, a := range o.assignments {
		out[id] = a.shardID
	}
	return out
}
