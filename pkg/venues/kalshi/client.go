package kalshi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgefeed/edgefeed/pkg/config"
)

// Client is the venue-K REST client. Every request passes the process-wide
// token bucket and, when credentials are loaded, carries RSA-PSS signature
// headers from the shared signer.
type Client struct {
	http    *resty.Client
	signer  *Signer
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds the REST client from config. Signer may be nil for
// unauthenticated market-data access.
func NewClient(cfg config.KalshiConfig, signer *Signer, log *zap.Logger) *Client {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
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

	c := &Client{
		http:    httpClient,
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		log:     log,
	}

	// Signatures go on at send time so retries re-sign with fresh
	// timestamps; the signer's cache keeps the hot path cheap.
	httpClient.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
		return c.signer.SignRequest(req)
	})

	return c
}

// Market is one venue-K market row.
type Market struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Status      string `json:"status"`
	YesBid      int64  `json:"yes_bid"` // cents
	YesAsk      int64  `json:"yes_ask"`
	Volume      int64  `json:"volume"`
	Liquidity   int64  `json:"liquidity"`
	OpenTime    string `json:"open_time"`
	CloseTime   string `json:"close_time"`
}

type marketsResponse struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

// Markets lists markets for a series ticker, following pagination.
func (c *Client) Markets(ctx context.Context, seriesTicker, status string) ([]Market, error) {
	var all []Market
	cursor := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var out marketsResponse
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("series_ticker", seriesTicker).
			SetQueryParam("limit", "200").
			SetResult(&out)
		if status != "" {
			req.SetQueryParam("status", status)
		}
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		resp, err := req.Get("/trade-api/v2/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		all = append(all, out.Markets...)
		if out.Cursor == "" || len(out.Markets) == 0 {
			return all, nil
		}
		cursor = out.Cursor
	}
}

// Market fetches a single market by ticker.
func (c *Client) Market(ctx context.Context, ticker string) (*Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Market Market `json:"market"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/trade-api/v2/markets/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get market %s: status %d", ticker, resp.StatusCode())
	}
	return &out.Market, nil
}

// OrderRequest is the venue-K order shape. Prices are integer cents.
type OrderRequest struct {
	Ticker     string `json:"ticker"`
	Action     string `json:"action"` // buy or sell
	Side       string `json:"side"`   // yes or no
	Type       string `json:"type"`   // limit
	Count      int64  `json:"count"`
	YesPrice   int64  `json:"yes_price,omitempty"`
	NoPrice    int64  `json:"no_price,omitempty"`
	ClientOID  string `json:"client_order_id"`
	Expiration int64  `json:"expiration_ts,omitempty"`
}

// OrderResponse is the venue's order acknowledgment.
type OrderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	FilledCount int64  `json:"filled_count"`
	AvgPrice    int64  `json:"avg_price"` // cents
	Reason      string `json:"reason,omitempty"`
}

// PlaceOrder submits a limit order. The client_order_id is the request's
// idempotency key so venue-side replays collapse.
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Order OrderResponse `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(order).
		SetResult(&out).
		Post("/trade-api/v2/portfolio/orders")
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", order.Ticker, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("place order %s: status %d: %s", order.Ticker, resp.StatusCode(), resp.String())
	}

	c.log.Debug("order placed",
		zap.String("ticker", order.Ticker),
		zap.String("order_id", out.Order.OrderID),
		zap.String("status", out.Order.Status))
	return &out.Order, nil
}

// Balance returns the account balance in dollars.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Balance int64 `json:"balance"` // cents
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/trade-api/v2/portfolio/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("get balance: status %d", resp.StatusCode())
	}
	return decimal.New(out.Balance, -2), nil
}
