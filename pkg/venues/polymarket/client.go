// Package polymarket is the venue-P client surface: the gamma-style catalog,
// the CLOB book endpoint, the market WS dialect, and the startup geo egress
// check.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgefeed/edgefeed/pkg/config"
)

// Client wraps the catalog (gamma) and book (CLOB) REST endpoints behind a
// shared token bucket.
type Client struct {
	gamma   *resty.Client
	clob    *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds the REST client pair from config.
func NewClient(cfg config.PolymarketConfig, log *zap.Logger) *Client {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	mk := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		gamma:   mk(cfg.GammaBaseURL),
		clob:    mk(cfg.CLOBBaseURL),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		log:     log,
	}
}

// JSONFloat tolerates the catalog's habit of stringifying numbers.
type JSONFloat float64

func (j *JSONFloat) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*j = JSONFloat(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*j = 0
		return nil
	}
	_, err := fmt.Sscanf(s, "%f", (*float64)(j))
	return err
}

// Market is one catalog market. Outcome token ids and labels arrive as
// JSON-encoded string arrays.
type Market struct {
	ID               string    `json:"id"`
	Question         string    `json:"question"`
	ConditionID      string    `json:"conditionId"`
	Slug             string    `json:"slug"`
	Active           bool      `json:"active"`
	Closed           bool      `json:"closed"`
	AcceptingOrders  bool      `json:"acceptingOrders"`
	ClobTokenIDsRaw  string    `json:"clobTokenIds"`
	OutcomesRaw      string    `json:"outcomes"`
	OutcomePricesRaw string    `json:"outcomePrices"`
	Liquidity        JSONFloat `json:"liquidity"`
	Volume           JSONFloat `json:"volume"`
	EndDate          time.Time `json:"endDate"`
}

// TokenIDs decodes the outcome token-id array.
func (m *Market) TokenIDs() ([]string, error) {
	return decodeStringArray(m.ClobTokenIDsRaw)
}

// Outcomes decodes the outcome label array, index-aligned with TokenIDs.
func (m *Market) Outcomes() ([]string, error) {
	return decodeStringArray(m.OutcomesRaw)
}

func decodeStringArray(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode string array %q: %w", raw, err)
	}
	return out, nil
}

// SearchMarkets queries the catalog for active markets matching a free-text
// query, paginating up to limit.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []Market
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active":         "true",
			"closed":         "false",
			"limit":          fmt.Sprintf("%d", limit),
			"ascending":      "false",
			"order":          "volume24hr",
			"related_topics": query,
		}).
		SetResult(&out).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// GetMarket fetches one market by condition id.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []Market
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&out).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", conditionID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get market %s: status %d", conditionID, resp.StatusCode())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("market %s not found", conditionID)
	}
	return &out[0], nil
}

// BookLevel is one CLOB book level; decimal strings on the wire.
type BookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Book is the CLOB L2 book for one token.
type Book struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// GetBook fetches the book for a token id, the REST poll fallback when WS
// data goes stale.
func (c *Client) GetBook(ctx context.Context, tokenID string) (*Book, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out Book
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&out).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", tokenID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get book %s: status %d", tokenID, resp.StatusCode())
	}
	return &out, nil
}

// PostOrder submits an order payload built upstream; the engine treats order
// signing as an external concern and submits pre-built payloads only.
func (c *Client) PostOrder(ctx context.Context, payload any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out json.RawMessage
	resp, err := c.clob.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}
