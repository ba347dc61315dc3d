// Package config defines all runtime configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with every
// field overridable via EDGEFEED_* environment variables; venue credentials
// come from env only.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/trace"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	PaperMode bool `mapstructure:"paper_mode"`

	Kalshi       KalshiConfig       `mapstructure:"kalshi"`
	Polymarket   PolymarketConfig   `mapstructure:"polymarket"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Shard        ShardConfig        `mapstructure:"shard"`
	Signals      SignalConfig       `mapstructure:"signals"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Positions    PositionConfig     `mapstructure:"positions"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      trace.Config       `mapstructure:"logging"`
	HTTP         HTTPConfig         `mapstructure:"http"`
}

// KalshiConfig holds venue-K endpoints and RSA-PSS credentials. The private
// key signs timestamp+method+path headers; signatures are cached for at most
// SignatureTTL (venue-side validity is 500ms).
type KalshiConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	APIKeyID       string        `mapstructure:"api_key_id"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	SignatureTTL   time.Duration `mapstructure:"signature_ttl"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PolymarketConfig holds venue-P endpoints. RestrictedRegions are ISO country
// codes the egress check refuses to run from; a match is a hard stop.
type PolymarketConfig struct {
	GammaBaseURL      string        `mapstructure:"gamma_base_url"`
	CLOBBaseURL       string        `mapstructure:"clob_base_url"`
	WSURL             string        `mapstructure:"ws_url"`
	GeoCheckURL       string        `mapstructure:"geo_check_url"`
	RestrictedRegions []string      `mapstructure:"restricted_regions"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// MonitorConfig tunes the venue monitors' WS/REST behavior. When a book's
// last WS update is older than StaleTTL the monitor falls back to REST polls
// at PollInterval until WS data resumes.
type MonitorConfig struct {
	StaleTTL     time.Duration `mapstructure:"stale_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FastPath     bool          `mapstructure:"fast_path"`
}

// OrchestratorConfig tunes discovery and shard assignment.
type OrchestratorConfig struct {
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	ShardTimeout      time.Duration `mapstructure:"shard_timeout"`
	ShardIDs          []string      `mapstructure:"shard_ids"`
	Sports            []string      `mapstructure:"sports"`
	ScoreboardBaseURL string        `mapstructure:"scoreboard_base_url"`
}

// ShardConfig tunes the per-game fusion loop.
type ShardConfig struct {
	MaxGames            int           `mapstructure:"max_games"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
	HalftimeInterval    time.Duration `mapstructure:"halftime_interval"`
	CrunchTimeInterval  time.Duration `mapstructure:"crunch_time_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MarketDataTTL       time.Duration `mapstructure:"market_data_ttl"`
	MispricingMinEdge   float64       `mapstructure:"mispricing_min_edge_pct"`
	MinProbShift        float64       `mapstructure:"min_prob_shift"`
}

// SignalConfig tunes the SignalProcessor gate and Kelly sizing. The *Pct
// fields are percentages: MaxPositionPct 5.0 caps a position at 5% of the
// bankroll.
type SignalConfig struct {
	MinEdgePct             float64 `mapstructure:"min_edge_pct"`
	MaxBuyProb             float64 `mapstructure:"max_buy_prob"`
	MinSellProb            float64 `mapstructure:"min_sell_prob"`
	KellyFraction          float64 `mapstructure:"kelly_fraction"`
	MaxPositionPct         float64 `mapstructure:"max_position_pct"`
	AllowHedging           bool    `mapstructure:"allow_hedging"`
	TeamMatchMinConfidence float64 `mapstructure:"team_match_min_confidence"`
}

// ExecutionConfig tunes order placement.
type ExecutionConfig struct {
	SlippagePct float64       `mapstructure:"slippage_pct"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

// PositionConfig tunes exit monitoring and settlement.
type PositionConfig struct {
	ExitCheckInterval     time.Duration      `mapstructure:"exit_check_interval"`
	MinHoldSeconds        int                `mapstructure:"min_hold_seconds"`
	TakeProfitPct         float64            `mapstructure:"take_profit_pct"`
	DefaultStopLossPct    float64            `mapstructure:"default_stop_loss_pct"`
	StopLossBySport       map[string]float64 `mapstructure:"stop_loss_by_sport"`
	PriceStalenessTTL     time.Duration      `mapstructure:"price_staleness_ttl"`
	ExitTeamMinConfidence float64            `mapstructure:"exit_team_match_min_confidence"`
	ExitDebounceCount     int                `mapstructure:"exit_debounce_count"`
	WinCooldownSeconds    int                `mapstructure:"win_cooldown_seconds"`
	LossCooldownSeconds   int                `mapstructure:"loss_cooldown_seconds"`
	InitialBankroll       float64            `mapstructure:"initial_bankroll"`
}

// RiskConfig sets the hard limits consulted before every trade.
type RiskConfig struct {
	MaxDailyLoss      float64       `mapstructure:"max_daily_loss"`
	MaxGameExposure   float64       `mapstructure:"max_game_exposure"`
	MaxSportExposure  float64       `mapstructure:"max_sport_exposure"`
	MaxSignalLatency  time.Duration `mapstructure:"max_signal_latency"`
	BreakerMaxErrors  int           `mapstructure:"breaker_max_errors"`
	BreakerMaxLoss    float64       `mapstructure:"breaker_max_loss"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	MaxMarketPosition float64       `mapstructure:"max_market_position"`
	MaxTotalPosition  float64       `mapstructure:"max_total_position"`
}

// StoreConfig holds the Postgres DSN.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HTTPConfig controls the health and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads config from a YAML file with EDGEFEED_* env overrides. A missing
// file is not an error; defaults plus env carry a paper-mode run.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EDGEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials come from env only.
	if key := os.Getenv("EDGEFEED_KALSHI_API_KEY_ID"); key != "" {
		cfg.Kalshi.APIKeyID = key
	}
	if p := os.Getenv("EDGEFEED_KALSHI_PRIVATE_KEY_PATH"); p != "" {
		cfg.Kalshi.PrivateKeyPath = p
	}
	if dsn := os.Getenv("EDGEFEED_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("EDGEFEED_PAPER_MODE") == "true" || os.Getenv("EDGEFEED_PAPER_MODE") == "1" {
		cfg.PaperMode = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper_mode", true)

	v.SetDefault("kalshi.signature_ttl", "500ms")
	v.SetDefault("kalshi.rate_limit_rps", 10.0)
	v.SetDefault("kalshi.request_timeout", "15s")

	v.SetDefault("polymarket.heartbeat_interval", "5s")
	v.SetDefault("polymarket.rate_limit_rps", 10.0)
	v.SetDefault("polymarket.request_timeout", "15s")
	v.SetDefault("polymarket.restricted_regions", []string{"US"})

	v.SetDefault("monitor.stale_ttl", "30s")
	v.SetDefault("monitor.poll_interval", "10s")
	v.SetDefault("monitor.fast_path", true)

	v.SetDefault("orchestrator.discovery_interval", "60s")
	v.SetDefault("orchestrator.shard_timeout", "90s")
	v.SetDefault("orchestrator.shard_ids", []string{"shard-1"})

	v.SetDefault("shard.max_games", 8)
	v.SetDefault("shard.default_poll_interval", "15s")
	v.SetDefault("shard.halftime_interval", "60s")
	v.SetDefault("shard.crunch_time_interval", "5s")
	v.SetDefault("shard.heartbeat_interval", "10s")
	v.SetDefault("shard.market_data_ttl", "30s")
	v.SetDefault("shard.mispricing_min_edge_pct", 5.0)
	v.SetDefault("shard.min_prob_shift", 0.02)

	v.SetDefault("signals.min_edge_pct", 2.0)
	v.SetDefault("signals.max_buy_prob", 0.95)
	v.SetDefault("signals.min_sell_prob", 0.05)
	v.SetDefault("signals.kelly_fraction", 0.25)
	// Percent, like min_edge_pct: 5.0 means 5% of bankroll per position.
	v.SetDefault("signals.max_position_pct", 5.0)
	v.SetDefault("signals.team_match_min_confidence", 0.70)

	v.SetDefault("execution.slippage_pct", 0.01)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_base", "500ms")
	v.SetDefault("execution.retry_max", "10s")

	v.SetDefault("positions.exit_check_interval", "1s")
	v.SetDefault("positions.min_hold_seconds", 30)
	v.SetDefault("positions.take_profit_pct", 0.03)
	v.SetDefault("positions.default_stop_loss_pct", 0.05)
	v.SetDefault("positions.price_staleness_ttl", "30s")
	v.SetDefault("positions.exit_team_match_min_confidence", 0.70)
	v.SetDefault("positions.exit_debounce_count", 1)
	v.SetDefault("positions.win_cooldown_seconds", 180)
	v.SetDefault("positions.loss_cooldown_seconds", 300)
	v.SetDefault("positions.initial_bankroll", 1000.0)

	v.SetDefault("risk.max_daily_loss", 100.0)
	v.SetDefault("risk.max_game_exposure", 50.0)
	v.SetDefault("risk.max_sport_exposure", 150.0)
	v.SetDefault("risk.max_signal_latency", "30s")
	v.SetDefault("risk.breaker_max_errors", 5)
	v.SetDefault("risk.breaker_max_loss", 50.0)
	v.SetDefault("risk.breaker_cooldown", "5m")
	v.SetDefault("risk.max_market_position", 25.0)
	v.SetDefault("risk.max_total_position", 200.0)

	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("http.addr", ":8080")
}

// StopLossFor returns the sport-keyed stop-loss threshold, falling back to
// the built-in per-sport table and then DefaultStopLossPct.
func (c *PositionConfig) StopLossFor(sport feed.Sport) float64 {
	if pct, ok := c.StopLossBySport[string(sport)]; ok {
		return pct
	}
	if pct, ok := builtinStopLoss[sport]; ok {
		return pct
	}
	return c.DefaultStopLossPct
}

var builtinStopLoss = map[feed.Sport]float64{
	feed.SportNBA:    0.03,
	feed.SportNCAAB:  0.03,
	feed.SportNFL:    0.05,
	feed.SportNCAAF:  0.05,
	feed.SportNHL:    0.07,
	feed.SportMLS:    0.07,
	feed.SportSoccer: 0.07,
	feed.SportMLB:    0.06,
	feed.SportTennis: 0.04,
	feed.SportMMA:    0.08,
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if !c.PaperMode {
		if c.Kalshi.APIKeyID == "" || c.Kalshi.PrivateKeyPath == "" {
			return fmt.Errorf("kalshi credentials required outside paper mode (set EDGEFEED_KALSHI_API_KEY_ID and EDGEFEED_KALSHI_PRIVATE_KEY_PATH)")
		}
	}
	if c.Shard.MaxGames <= 0 {
		return fmt.Errorf("shard.max_games must be > 0")
	}
	if len(c.Orchestrator.ShardIDs) == 0 {
		return fmt.Errorf("orchestrator.shard_ids must not be empty")
	}
	if c.Signals.KellyFraction <= 0 || c.Signals.KellyFraction > 1 {
		return fmt.Errorf("signals.kelly_fraction must be in (0, 1]")
	}
	if c.Signals.MaxBuyProb <= c.Signals.MinSellProb {
		return fmt.Errorf("signals.max_buy_prob must exceed signals.min_sell_prob")
	}
	if c.Positions.InitialBankroll <= 0 {
		return fmt.Errorf("positions.initial_bankroll must be > 0")
	}
	return nil
}
