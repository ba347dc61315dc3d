package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/config"
)

func TestMarketTokenDecoding(t *testing.T) {
	m := &Market{
		ClobTokenIDsRaw: `["111","222"]`,
		OutcomesRaw:     `["Boston Celtics","Los Angeles Lakers"]`,
	}

	tokens, err := m.TokenIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 || tokens[0] != "111" {
		t.Errorf("tokens = %v", tokens)
	}

	outcomes, err := m.Outcomes()
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 || outcomes[1] != "Los Angeles Lakers" {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestJSONFloatStringOrNumber(t *testing.T) {
	var v struct {
		A JSONFloat `json:"a"`
		B JSONFloat `json:"b"`
		C JSONFloat `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 12.5, "b": "98000.25", "c": ""}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != 12.5 || v.B != 98000.25 || v.C != 0 {
		t.Errorf("decoded = %+v", v)
	}
}

func TestParseEvents(t *testing.T) {
	// Single book event.
	events, err := ParseEvents([]byte(`{"event_type":"book","asset_id":"111","bids":[{"price":"0.43","size":"100"}],"asks":[{"price":"0.45","size":"80"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != TypeBook || len(events[0].Bids) != 1 {
		t.Errorf("events = %+v", events)
	}

	// Batched frame.
	events, err = ParseEvents([]byte(`[{"event_type":"price_change","asset_id":"111","changes":[{"price":"0.44","size":"50","side":"BUY"}]},{"event_type":"last_trade_price","asset_id":"111","price":"0.44"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Changes[0].Side != "BUY" {
		t.Errorf("batch = %+v", events)
	}

	// Pong frames produce no events.
	events, err = ParseEvents([]byte(`{"type":"pong"}`))
	if err != nil || events != nil {
		t.Errorf("pong: events=%v err=%v", events, err)
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	data, err := json.Marshal(SubscribeMessage([]string{"111", "222"}))
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type   string   `json:"type"`
		Assets []string `json:"assets_ids"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "market" || len(decoded.Assets) != 2 {
		t.Errorf("subscribe = %+v", decoded)
	}
}

func TestVerifyEgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"country_code": "DE", "ip": "1.2.3.4"})
	}))
	defer srv.Close()

	cfg := config.PolymarketConfig{
		GeoCheckURL:       srv.URL,
		RestrictedRegions: []string{"US"},
	}
	if err := VerifyEgress(context.Background(), cfg, zap.NewNop()); err != nil {
		t.Errorf("DE egress should pass: %v", err)
	}

	cfg.RestrictedRegions = []string{"de"}
	err := VerifyEgress(context.Background(), cfg, zap.NewNop())
	geoErr, ok := err.(*GeoError)
	if !ok {
		t.Fatalf("want GeoError, got %v", err)
	}
	if geoErr.Country != "DE" {
		t.Errorf("country = %s", geoErr.Country)
	}
}
