package polymarket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/market"
)

// GeoError is the fatal startup error for a restricted-region egress. It is
// a hard stop, never a warning: the monitor must not connect.
type GeoError struct {
	Country string
}

func (e *GeoError) Error() string {
	return fmt.Sprintf("egress country %s is restricted for this venue", e.Country)
}

// Reason maps the error into the rejection taxonomy.
func (e *GeoError) Reason() market.Reason {
	return market.ReasonGeoViolation
}

type geoResponse struct {
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	IP          string `json:"ip"`
}

// VerifyEgress resolves the public egress location and fails when it falls
// in a restricted region. Monitor P runs this before any venue traffic; the
// monitor's process exits on failure.
func VerifyEgress(ctx context.Context, cfg config.PolymarketConfig, log *zap.Logger) error {
	url := cfg.GeoCheckURL
	if url == "" {
		url = "https://ipapi.co/json"
	}

	var out geoResponse
	resp, err := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		R().
		SetContext(ctx).
		SetResult(&out).
		Get(url)
	if err != nil {
		return fmt.Errorf("geo egress check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("geo egress check: status %d", resp.StatusCode())
	}

	code := strings.ToUpper(out.CountryCode)
	if code == "" {
		return fmt.Errorf("geo egress check: empty country code")
	}

	for _, restricted := range cfg.RestrictedRegions {
		if code == strings.ToUpper(restricted) {
			return &GeoError{Country: code}
		}
	}

	log.Info("geo egress verified",
		zap.String("country", code),
		zap.String("ip", out.IP))
	return nil
}
