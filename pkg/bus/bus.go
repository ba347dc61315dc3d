// Package bus is the named-channel pub/sub fabric between components. Every
// inter-component edge is a named topic; no component calls another
// synchronously except through the venue clients.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Message is one published record. Payloads are the JSON-serializable types
// the producing component documents for its topic; consumers type-assert and
// ignore what they do not know.
type Message struct {
	Topic   string
	Payload any
}

// DefaultBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing the oldest messages.
const DefaultBuffer = 256

type subscriber struct {
	ch     chan Message
	closed bool
}

// Bus is an in-process topic-keyed pub/sub bus. Publish never blocks: slow
// subscribers drop their oldest buffered message instead of stalling the hot
// path.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]*subscriber
	buffer  int
	log     *zap.Logger
	dropped atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer overrides the per-subscriber channel depth.
func WithBuffer(n int) Option {
	return func(b *Bus) { b.buffer = n }
}

// WithLogger attaches a logger for drop reporting.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string][]*subscriber),
		buffer: DefaultBuffer,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers for a topic and returns the message channel plus a
// cancel func. Cancel is idempotent; after cancel the channel is closed.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, b.buffer)}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		subs := b.topics[topic]
		for i, s := range subs {
			if s == sub {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers payload to every subscriber of topic. When a subscriber's
// buffer is full its oldest message is evicted so the newest always lands;
// price topics want the freshest quote, not the full history.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	subs := b.topics[topic]
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
			}
			b.log.Warn("bus subscriber lagging, dropped oldest",
				zap.String("topic", topic))
		}
	}
	b.mu.RUnlock()
}

// Dropped returns the total messages lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// --- Topic names ---

// Fixed topics. Per-entity topics are built by the helpers below.
const (
	TopicAssignments   = "markets:assignments"
	TopicSignals       = "signals:new"
	TopicExecRequests  = "execution:requests"
	TopicExecResults   = "execution:results"
	TopicPositions     = "position:updates"
	TopicGamesEnded    = "games:ended"
	TopicDiscoveryReq  = "discovery:requests"
	TopicDiscoveryRes  = "discovery:results"
	TopicSystemAlerts  = "system:alerts"
	TopicArbSignals    = "signals:arb"
	TopicPriceFastPath = "prices:fast"
)

// ShardCommandTopic is the orchestrator-to-shard command channel.
func ShardCommandTopic(shardID string) string {
	return fmt.Sprintf("shard:%s:command", shardID)
}

// ShardHeartbeatTopic carries a shard's periodic health report.
func ShardHeartbeatTopic(shardID string) string {
	return fmt.Sprintf("shard:%s:heartbeat", shardID)
}

// GamePriceTopic carries per-game MarketPrice records from venue monitors.
func GamePriceTopic(gameID string) string {
	return fmt.Sprintf("game:%s:price", gameID)
}

// GameStateTopic carries GameState snapshots for a game.
func GameStateTopic(gameID string) string {
	return fmt.Sprintf("game:%s:state", gameID)
}
