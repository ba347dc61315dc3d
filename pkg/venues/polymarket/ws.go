package polymarket

import (
	"encoding/json"
	"fmt"
)

// The venue's market WS dialect: subscribe by token-id list, then {book,
// price_change, last_trade_price, tick_size_change} events keyed by
// asset_id. The venue drops connections missing a 5 s client heartbeat, so
// the monitor wires HeartbeatMessage into the WS client unconditionally.

// Event types on the market channel.
const (
	TypeBook           = "book"
	TypePriceChange    = "price_change"
	TypeLastTradePrice = "last_trade_price"
	TypeTickSizeChange = "tick_size_change"
)

// SubscribeMessage builds the market-channel subscription for a token set.
func SubscribeMessage(tokenIDs []string) map[string]any {
	return map[string]any{
		"type":       "market",
		"assets_ids": tokenIDs,
	}
}

// HeartbeatMessage is the client-side keepalive payload.
func HeartbeatMessage() any {
	return map[string]string{"type": "ping"}
}

// WSEvent is the envelope of every market-channel frame.
type WSEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`

	// book
	Bids []BookLevel `json:"bids,omitempty"`
	Asks []BookLevel `json:"asks,omitempty"`

	// price_change
	Changes []PriceChange `json:"changes,omitempty"`

	// last_trade_price
	Price string `json:"price,omitempty"`
	Side  string `json:"side,omitempty"`
	Size  string `json:"size,omitempty"`
}

// PriceChange is one level change inside a price_change event.
type PriceChange struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"` // BUY or SELL
}

// ParseEvents decodes a frame, which may carry one event or a batch.
func ParseEvents(data []byte) ([]WSEvent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var events []WSEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("ws event batch: %w", err)
		}
		return events, nil
	}
	var ev WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("ws event: %w", err)
	}
	if ev.EventType == "" {
		// Pong or other non-event frame.
		return nil, nil
	}
	return []WSEvent{ev}, nil
}
