package kalshi

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// The venue's WS dialect: commands carry a client-assigned id and a cmd
// verb; the orderbook_delta channel delivers one snapshot per subscribed
// ticker followed by sequence-numbered deltas.

// WSPath is the signed dial path.
const WSPath = "/trade-api/ws/v2"

// ChannelOrderbookDelta is the book channel the monitor subscribes to.
const ChannelOrderbookDelta = "orderbook_delta"

var cmdID atomic.Int64

// SubscribeCommand builds a subscribe command for the given tickers.
func SubscribeCommand(tickers []string) map[string]any {
	return map[string]any{
		"id":  cmdID.Add(1),
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{ChannelOrderbookDelta},
			"market_tickers": tickers,
		},
	}
}

// UnsubscribeCommand builds an unsubscribe command for a subscription id
// previously returned by the venue.
func UnsubscribeCommand(sids []int64) map[string]any {
	return map[string]any{
		"id":  cmdID.Add(1),
		"cmd": "unsubscribe",
		"params": map[string]any{
			"sids": sids,
		},
	}
}

// WSMessage is the envelope of every inbound frame.
type WSMessage struct {
	Type string          `json:"type"`
	Sid  int64           `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Inbound frame types.
const (
	TypeSubscribed    = "subscribed"
	TypeSnapshot      = "orderbook_snapshot"
	TypeDelta         = "orderbook_delta"
	TypeError         = "error"
	TypeSubscriptions = "subscriptions"
)

// BookSnapshot is a full book for one ticker. Levels are [price_cents, qty]
// pairs; the NO side folds into YES asks at complement prices.
type BookSnapshot struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

// BookDelta is one level change. Side is "yes" or "no"; Delta is a signed
// quantity change at Price cents.
type BookDelta struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"`
}

// WSError is the venue's error frame body.
type WSError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ParseMessage decodes an inbound frame envelope.
func ParseMessage(data []byte) (*WSMessage, error) {
	var m WSMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ws frame: %w", err)
	}
	return &m, nil
}

// Snapshot decodes the body of an orderbook_snapshot frame.
func (m *WSMessage) Snapshot() (*BookSnapshot, error) {
	if m.Type != TypeSnapshot {
		return nil, fmt.Errorf("frame type %s is not a snapshot", m.Type)
	}
	var s BookSnapshot
	if err := json.Unmarshal(m.Msg, &s); err != nil {
		return nil, fmt.Errorf("snapshot body: %w", err)
	}
	return &s, nil
}

// Delta decodes the body of an orderbook_delta frame.
func (m *WSMessage) Delta() (*BookDelta, error) {
	if m.Type != TypeDelta {
		return nil, fmt.Errorf("frame type %s is not a delta", m.Type)
	}
	var d BookDelta
	if err := json.Unmarshal(m.Msg, &d); err != nil {
		return nil, fmt.Errorf("delta body: %w", err)
	}
	return &d, nil
}
