package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/discovery"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/monitor"
	"github.com/edgefeed/edgefeed/pkg/shard"
)

type fakeFeed struct {
	games []feed.GameInfo
}

func (f *fakeFeed) LiveGames(_ context.Context, sport feed.Sport) ([]feed.GameInfo, error) {
	var out []feed.GameInfo
	for _, g := range f.games {
		if g.Sport == sport {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeFeed) Snapshot(context.Context, feed.Sport, string) (*feed.GameState, []feed.Play, error) {
	return nil, nil, nil
}

type fakeDiscovery struct {
	empty      bool
	singleOnly bool // multi-market requests find nothing; moneyline-only finds venue K
	calls      int
}

func (f *fakeDiscovery) Discover(_ context.Context, req discovery.Request) (*discovery.Result, error) {
	f.calls++
	if f.empty || (f.singleOnly && len(req.MarketTypes) > 1) {
		return &discovery.Result{GameID: req.GameID, Markets: map[market.Type]map[market.Platform]discovery.Candidate{}}, nil
	}
	found := map[market.Platform]discovery.Candidate{
		market.PlatformKalshi: {
			Platform: market.PlatformKalshi,
			MarketID: "KX-" + req.GameID,
			Team:     req.HomeTeam,
		},
	}
	if !f.singleOnly {
		found[market.PlatformPolymarket] = discovery.Candidate{
			Platform: market.PlatformPolymarket,
			MarketID: "cond-" + req.GameID,
			Team:     req.HomeTeam,
		}
	}
	return &discovery.Result{
		GameID:  req.GameID,
		Markets: map[market.Type]map[market.Platform]discovery.Candidate{market.TypeMoneyline: found},
	}, nil
}

func nbaGame(id string) feed.GameInfo {
	return feed.GameInfo{
		GameID:    id,
		Sport:     feed.SportNBA,
		HomeTeam:  "Boston Celtics",
		AwayTeam:  "Los Angeles Lakers",
		StartTime: time.Now(),
		Status:    feed.StatusInProgress,
	}
}

func newTestOrchestrator(f *fakeFeed, d *fakeDiscovery, shardIDs ...string) *Orchestrator {
	if len(shardIDs) == 0 {
		shardIDs = []string{"shard-1", "shard-2"}
	}
	return New(config.OrchestratorConfig{
		DiscoveryInterval: time.Minute,
		ShardTimeout:      90 * time.Second,
		ShardIDs:          shardIDs,
		Sports:            []string{"nba"},
	}, Deps{
		Feed:      f,
		Discovery: d,
		Bus:       bus.New(),
		Metrics:   metrics.New(),
		Log:       zap.NewNop(),
	})
}

func recvCommand(t *testing.T, ch <-chan bus.Message) shard.Command {
	t.Helper()
	select {
	case msg := <-ch:
		cmd, ok := msg.Payload.(shard.Command)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no shard command")
		return shard.Command{}
	}
}

func assertNoCommand(t *testing.T, ch <-chan bus.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected command: %+v", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssignPublishesCommandAndAssignments(t *testing.T) {
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, &fakeDiscovery{})
	cmdCh, cancelCmd := o.bus.Subscribe(bus.ShardCommandTopic("shard-1"))
	defer cancelCmd()
	assignCh, cancelAssign := o.bus.Subscribe(bus.TopicAssignments)
	defer cancelAssign()

	o.discoverCycle(context.Background())

	cmd := recvCommand(t, cmdCh)
	if cmd.Type != shard.CommandAddGame || cmd.GameID != "g1" {
		t.Fatalf("command = %+v", cmd)
	}
	if cmd.Markets[market.TypeMoneyline][market.PlatformKalshi] != "KX-g1" {
		t.Errorf("kalshi market = %q", cmd.Markets[market.TypeMoneyline][market.PlatformKalshi])
	}

	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-assignCh:
			a, ok := msg.Payload.(monitor.Assignment)
			if !ok {
				t.Fatalf("payload type %T", msg.Payload)
			}
			types[a.Type] = true
			if len(a.Markets) != 1 || a.Markets[0].TeamName != "Boston Celtics" {
				t.Errorf("assignment markets = %+v", a.Markets)
			}
		case <-time.After(time.Second):
			t.Fatal("missing venue assignment")
		}
	}
	if !types[monitor.AssignKalshi] || !types[monitor.AssignPolymarket] {
		t.Errorf("assignment types = %v", types)
	}
}

func TestSecondGameGoesToEmptierShard(t *testing.T) {
	f := &fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}
	o := newTestOrchestrator(f, &fakeDiscovery{})

	o.discoverCycle(context.Background())
	if got := o.Assignments()["g1"]; got != "shard-1" {
		t.Fatalf("g1 on %s, tie must break to shard-1", got)
	}

	ch, cancel := o.bus.Subscribe(bus.ShardCommandTopic("shard-2"))
	defer cancel()
	f.games = append(f.games, nbaGame("g2"))
	o.discoverCycle(context.Background())

	cmd := recvCommand(t, ch)
	if cmd.GameID != "g2" {
		t.Errorf("shard-2 got %s", cmd.GameID)
	}
}

func TestKnownGameNotRediscovered(t *testing.T) {
	d := &fakeDiscovery{}
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, d)

	o.discoverCycle(context.Background())
	o.discoverCycle(context.Background())
	if d.calls != 1 {
		t.Errorf("discovery calls = %d, want 1", d.calls)
	}
}

func TestEmptyDiscoveryRetriesNextCycle(t *testing.T) {
	d := &fakeDiscovery{empty: true}
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, d)

	o.discoverCycle(context.Background())
	if len(o.Assignments()) != 0 {
		t.Fatalf("assignments = %v, want none", o.Assignments())
	}

	d.empty = false
	o.discoverCycle(context.Background())
	if o.Assignments()["g1"] == "" {
		t.Error("game not assigned once markets appeared")
	}
	// Two calls in the empty cycle (multi, then the moneyline fallback),
	// one in the cycle that succeeded.
	if d.calls != 3 {
		t.Errorf("discovery calls = %d, want 3", d.calls)
	}
}

func TestMoneylineFallbackAssignsSingleVenueGame(t *testing.T) {
	d := &fakeDiscovery{singleOnly: true}
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, d)
	ch, cancel := o.bus.Subscribe(bus.ShardCommandTopic("shard-1"))
	defer cancel()

	o.discoverCycle(context.Background())

	cmd := recvCommand(t, ch)
	if cmd.GameID != "g1" {
		t.Fatalf("command = %+v", cmd)
	}
	if cmd.Markets[market.TypeMoneyline][market.PlatformKalshi] != "KX-g1" {
		t.Errorf("kalshi market = %q", cmd.Markets[market.TypeMoneyline][market.PlatformKalshi])
	}
	if _, ok := cmd.Markets[market.TypeMoneyline][market.PlatformPolymarket]; ok {
		t.Error("fallback invented a venue-P market")
	}
	if d.calls != 2 {
		t.Errorf("discovery calls = %d, want multi then moneyline", d.calls)
	}
}

func TestVanishedGameUnassigned(t *testing.T) {
	f := &fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}
	o := newTestOrchestrator(f, &fakeDiscovery{})
	o.discoverCycle(context.Background())

	ch, cancel := o.bus.Subscribe(bus.ShardCommandTopic("shard-1"))
	defer cancel()

	// Postponed: the game drops off the scoreboard without ever going final.
	f.games = nil
	o.discoverCycle(context.Background())

	cmd := recvCommand(t, ch)
	if cmd.Type != shard.CommandRemoveGame || cmd.GameID != "g1" {
		t.Errorf("command = %+v", cmd)
	}
	if len(o.Assignments()) != 0 {
		t.Errorf("assignments = %v", o.Assignments())
	}
}

func TestGameEndedUnassigns(t *testing.T) {
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, &fakeDiscovery{})
	o.discoverCycle(context.Background())

	ch, cancel := o.bus.Subscribe(bus.ShardCommandTopic("shard-1"))
	defer cancel()
	o.onGameEnded("g1")

	cmd := recvCommand(t, ch)
	if cmd.Type != shard.CommandRemoveGame || cmd.GameID != "g1" {
		t.Errorf("command = %+v", cmd)
	}
	if len(o.Assignments()) != 0 {
		t.Errorf("assignments = %v", o.Assignments())
	}
}

func TestShardTimeoutRedistributes(t *testing.T) {
	o := newTestOrchestrator(&fakeFeed{games: []feed.GameInfo{nbaGame("g1")}}, &fakeDiscovery{})
	o.discoverCycle(context.Background())

	now := time.Now()
	o.onHeartbeat(shard.Heartbeat{ShardID: "shard-1", MaxGames: 8, Timestamp: now})

	ch, cancel := o.bus.Subscribe(bus.ShardCommandTopic("shard-2"))
	defer cancel()

	// Still inside the timeout: nothing moves.
	o.checkShardHealth(now.Add(30 * time.Second))
	assertNoCommand(t, ch)

	o.checkShardHealth(now.Add(3 * time.Minute))
	cmd := recvCommand(t, ch)
	if cmd.Type != shard.CommandAddGame || cmd.GameID != "g1" {
		t.Fatalf("command = %+v", cmd)
	}
	if got := o.Assignments()["g1"]; got != "shard-2" {
		t.Errorf("g1 on %s after redistribution", got)
	}
}

func TestHeartbeatRecoversShard(t *testing.T) {
	o := newTestOrchestrator(&fakeFeed{}, &fakeDiscovery{}, "shard-1")

	now := time.Now()
	o.onHeartbeat(shard.Heartbeat{ShardID: "shard-1", Timestamp: now})
	o.checkShardHealth(now.Add(3 * time.Minute))

	o.mu.Lock()
	healthy := o.shards["shard-1"].healthy
	o.mu.Unlock()
	if healthy {
		t.Fatal("shard still healthy after timeout")
	}

	o.onHeartbeat(shard.Heartbeat{ShardID: "shard-1", Timestamp: now.Add(4 * time.Minute)})
	o.mu.Lock()
	healthy = o.shards["shard-1"].healthy
	o.mu.Unlock()
	if !healthy {
		t.Error("heartbeat did not recover the shard")
	}
}
