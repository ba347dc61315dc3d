package wss

import (
	"sync"
	"sync/atomic"
)

// MessageFilter decides whether an inbound frame belongs to a subscription.
type MessageFilter func(data []byte) bool

// SubscriptionConfig describes one logical venue subscription (a ticker
// set, a token-id set).
type SubscriptionConfig struct {
	// ID uniquely identifies the subscription within the client.
	ID string

	// Filter routes inbound frames; nil routes everything.
	Filter MessageFilter

	// SubscribeMessage is sent on subscribe and replayed on reconnect.
	SubscribeMessage any

	// BufferSize is the inbound frame buffer (default 100).
	BufferSize int
}

// Subscription receives the frames its filter accepts. Its frame channel
// closes exactly once, on Unsubscribe.
type Subscription struct {
	id           string
	client       *Client
	filter       MessageFilter
	subscribeMsg any
	frames       chan []byte
	closed       atomic.Bool
	closeOnce    sync.Once
}

// Subscribe registers a subscription and, when connected, sends its
// subscribe message immediately. Reconnects replay the message for every
// registered subscription before OnReconnect fires.
func (c *Client) Subscribe(cfg SubscriptionConfig) (*Subscription, error) {
	buf := cfg.BufferSize
	if buf <= 0 {
		buf = 100
	}
	sub := &Subscription{
		id:           cfg.ID,
		client:       c,
		filter:       cfg.Filter,
		subscribeMsg: cfg.SubscribeMessage,
		frames:       make(chan []byte, buf),
	}

	c.subsMu.Lock()
	c.subscriptions[cfg.ID] = sub
	c.subsMu.Unlock()

	if cfg.SubscribeMessage != nil && c.IsConnected() {
		if err := c.SendJSON(cfg.SubscribeMessage); err != nil {
			return sub, err
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscription and closes its frame channel. Removal
// happens under the routing lock, so no frame can land after the close.
func (c *Client) Unsubscribe(id string) {
	c.subsMu.Lock()
	sub := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.subsMu.Unlock()

	if sub != nil {
		sub.closeOnce.Do(func() {
			sub.closed.Store(true)
			close(sub.frames)
		})
	}
}

// UpdateSubscribeMessage swaps the message replayed on reconnect. Monitors
// call this when the orchestrator re-sends an assignment with changed venue
// IDs, then send the fresh subscribe themselves.
func (c *Client) UpdateSubscribeMessage(id string, msg any) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub, ok := c.subscriptions[id]
	if !ok {
		return false
	}
	sub.subscribeMsg = msg
	return true
}

// ID returns the subscription ID.
func (s *Subscription) ID() string { return s.id }

// Messages returns the inbound frame channel.
func (s *Subscription) Messages() <-chan []byte { return s.frames }

// Close removes the subscription from its client.
func (s *Subscription) Close() { s.client.Unsubscribe(s.id) }

// IsClosed reports whether the subscription is closed.
func (s *Subscription) IsClosed() bool { return s.closed.Load() }
