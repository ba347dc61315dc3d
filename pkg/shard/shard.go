// Package shard runs the per-game fusion loop: it polls the scoreboard,
// fuses model probabilities with venue quotes, and emits trading signals.
// Each shard owns an exclusive set of games assigned by the orchestrator;
// a game's context is mutated only by its own goroutine.
package shard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/marketparse"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/model"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/teams"
)

// Command types on the orchestrator-to-shard channel.
const (
	CommandAddGame    = "add_game"
	CommandRemoveGame = "remove_game"
)

// Command is one orchestrator instruction. Re-sending add_game for a game
// the shard already tracks replaces its market assignment; that is the
// update protocol.
type Command struct {
	Type      string                                     `json:"type"`
	GameID    string                                     `json:"game_id"`
	Sport     feed.Sport                                 `json:"sport"`
	HomeTeam  string                                     `json:"home_team"`
	AwayTeam  string                                     `json:"away_team"`
	StartTime time.Time                                  `json:"start_time,omitempty"`
	Markets   map[market.Type]map[market.Platform]string `json:"markets,omitempty"`
}

// Heartbeat is the shard's periodic health report to the orchestrator.
type Heartbeat struct {
	ShardID   string               `json:"shard_id"`
	GameCount int                  `json:"game_count"`
	MaxGames  int                  `json:"max_games"`
	Games     []string             `json:"games"`
	Breaker   risk.BreakerSnapshot `json:"breaker"`
	Timestamp time.Time            `json:"timestamp"`
}

// Deps are the shard's collaborators.
type Deps struct {
	Feed    feed.Scoreboard
	Model   model.WinProbModel
	Matcher *teams.Matcher
	Parser  *marketparse.Parser
	Breaker *risk.CircuitBreaker
	Bus     *bus.Bus
	Store   *store.Store
	Metrics *metrics.EngineMetrics
	Log     *zap.Logger
}

// Shard runs up to cfg.MaxGames concurrent game loops.
type Shard struct {
	id      string
	cfg     config.ShardConfig
	feed    feed.Scoreboard
	model   model.WinProbModel
	matcher *teams.Matcher
	parser  *marketparse.Parser
	breaker *risk.CircuitBreaker
	bus     *bus.Bus
	store   *store.Store
	met     *metrics.EngineMetrics
	log     *zap.Logger

	cooldowns *market.CooldownLedger

	mu          sync.Mutex
	games       map[string]*gameContext
	wg          sync.WaitGroup
	breakerOpen bool
}

// New builds a shard. The model is clamped here; nothing downstream ever
// sees an unbounded probability.
func New(id string, cfg config.ShardConfig, deps Deps) *Shard {
	return &Shard{
		id:        id,
		cfg:       cfg,
		feed:      deps.Feed,
		model:     &model.Clamped{Inner: deps.Model},
		matcher:   deps.Matcher,
		parser:    deps.Parser,
		breaker:   deps.Breaker,
		bus:       deps.Bus,
		store:     deps.Store,
		met:       deps.Metrics,
		log:       deps.Log.Named("shard").With(zap.String("shard", id)),
		cooldowns: market.NewCooldownLedger(),
		games:     make(map[string]*gameContext),
	}
}

// ID returns the shard identifier.
func (s *Shard) ID() string { return s.id }

// GameCount returns the number of games currently tracked.
func (s *Shard) GameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

// Run processes commands and position updates and emits heartbeats until
// the context is canceled.
func (s *Shard) Run(ctx context.Context) error {
	cmds, cancelCmds := s.bus.Subscribe(bus.ShardCommandTopic(s.id))
	defer cancelCmds()
	positions, cancelPos := s.bus.Subscribe(bus.TopicPositions)
	defer cancelPos()

	hbInterval := s.cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 10 * time.Second
	}
	hb := time.NewTicker(hbInterval)
	defer hb.Stop()

	s.heartbeat()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return ctx.Err()
		case msg := <-cmds:
			if cmd, ok := msg.Payload.(Command); ok {
				s.handleCommand(ctx, cmd)
			}
		case msg := <-positions:
			if pu, ok := msg.Payload.(market.PositionUpdate); ok {
				s.onPositionUpdate(pu)
			}
		case <-hb.C:
			s.heartbeat()
		}
	}
}

func (s *Shard) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CommandAddGame:
		s.addGame(ctx, cmd)
	case CommandRemoveGame:
		s.removeGame(cmd.GameID)
	default:
		s.log.Warn("unknown shard command", zap.String("type", cmd.Type))
	}
}

func (s *Shard) addGame(ctx context.Context, cmd Command) {
	s.mu.Lock()
	if gc, ok := s.games[cmd.GameID]; ok {
		s.mu.Unlock()
		gc.setMarkets(cmd.Markets)
		s.log.Info("game assignment updated",
			zap.String("game", cmd.GameID),
			zap.Int("market_types", len(cmd.Markets)))
		return
	}
	if s.cfg.MaxGames > 0 && len(s.games) >= s.cfg.MaxGames {
		s.log.Warn("accepting game over capacity",
			zap.String("game", cmd.GameID),
			zap.Int("max_games", s.cfg.MaxGames))
	}

	gameCtx, cancel := context.WithCancel(ctx)
	gc := newGameContext(cmd, cancel)
	s.games[cmd.GameID] = gc
	count := len(s.games)
	s.mu.Unlock()

	s.met.ActiveGames.WithLabelValues(s.id).Set(float64(count))
	if err := s.store.UpsertGame(ctx, &store.Game{
		ID:        cmd.GameID,
		Sport:     string(cmd.Sport),
		HomeTeam:  cmd.HomeTeam,
		AwayTeam:  cmd.AwayTeam,
		StartTime: cmd.StartTime,
		Status:    string(feed.StatusInProgress),
	}); err != nil {
		s.log.Warn("persist game failed", zap.String("game", cmd.GameID), zap.Error(err))
	}
	s.log.Info("game added",
		zap.String("game", cmd.GameID),
		zap.String("sport", string(cmd.Sport)),
		zap.String("matchup", cmd.AwayTeam+" @ "+cmd.HomeTeam))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGame(gameCtx, gc)
	}()
}

func (s *Shard) removeGame(gameID string) {
	s.mu.Lock()
	gc, ok := s.games[gameID]
	if ok {
		delete(s.games, gameID)
	}
	count := len(s.games)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.met.ActiveGames.WithLabelValues(s.id).Set(float64(count))
	gc.cancel()

	// A game pulled near its natural end settles; anything earlier is a
	// reassignment and open positions stay live.
	if st := gc.lastState(); st != nil &&
		(st.IsFinal() || st.GameProgress() >= settleProgressMin) {
		s.emitGameEnded(gc, st)
	}
	s.log.Info("game removed", zap.String("game", gameID))
}

func (s *Shard) onPositionUpdate(pu market.PositionUpdate) {
	if pu.CooldownUntil.IsZero() {
		return
	}
	switch pu.Event {
	case "closed", "settled":
		s.cooldowns.Set(pu.Position.GameID, pu.CooldownUntil)
	}
}

func (s *Shard) heartbeat() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.games))
	for id := range s.games {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	snap := s.breaker.Snapshot()
	if open := snap.State == risk.StateTripped; open != s.breakerOpen {
		s.breakerOpen = open
		if open {
			s.bus.Publish(bus.TopicSystemAlerts,
				market.NewAlert(market.AlertCircuitOpen, "shard."+s.id,
					"breaker tripped until "+snap.CooldownUntil.Format(time.RFC3339)))
		}
	}

	s.bus.Publish(bus.ShardHeartbeatTopic(s.id), Heartbeat{
		ShardID:   s.id,
		GameCount: len(ids),
		MaxGames:  s.cfg.MaxGames,
		Games:     ids,
		Breaker:   snap,
		Timestamp: time.Now(),
	})
}

func (s *Shard) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gc := range s.games {
		gc.cancel()
	}
	s.games = make(map[string]*gameContext)
}

// emitGameEnded broadcasts the settlement trigger with final scores.
func (s *Shard) emitGameEnded(gc *gameContext, st *feed.GameState) {
	if !gc.markSettled() {
		return
	}
	s.bus.Publish(bus.TopicGamesEnded, market.GameEnded{
		GameID:    gc.info.GameID,
		Sport:     gc.info.Sport,
		HomeTeam:  gc.info.HomeTeam,
		AwayTeam:  gc.info.AwayTeam,
		HomeScore: st.HomeScore,
		AwayScore: st.AwayScore,
		EndedAt:   time.Now(),
	})
	s.log.Info("game ended",
		zap.String("game", gc.info.GameID),
		zap.Int("home_score", st.HomeScore),
		zap.Int("away_score", st.AwayScore))
}
