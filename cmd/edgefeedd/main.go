// edgefeedd is the live sports prediction-market trading daemon. It fuses
// scoreboard feeds with venue prices, runs the signal gate and execution
// pipeline, and serves health and Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgefeed/edgefeed/pkg/bus"
	"github.com/edgefeed/edgefeed/pkg/config"
	"github.com/edgefeed/edgefeed/pkg/discovery"
	"github.com/edgefeed/edgefeed/pkg/execution"
	"github.com/edgefeed/edgefeed/pkg/feed"
	"github.com/edgefeed/edgefeed/pkg/market"
	"github.com/edgefeed/edgefeed/pkg/marketparse"
	"github.com/edgefeed/edgefeed/pkg/metrics"
	"github.com/edgefeed/edgefeed/pkg/model"
	"github.com/edgefeed/edgefeed/pkg/monitor"
	"github.com/edgefeed/edgefeed/pkg/orchestrator"
	"github.com/edgefeed/edgefeed/pkg/positions"
	"github.com/edgefeed/edgefeed/pkg/risk"
	"github.com/edgefeed/edgefeed/pkg/shard"
	"github.com/edgefeed/edgefeed/pkg/signalproc"
	"github.com/edgefeed/edgefeed/pkg/store"
	"github.com/edgefeed/edgefeed/pkg/teams"
	"github.com/edgefeed/edgefeed/pkg/trace"
	"github.com/edgefeed/edgefeed/pkg/venues/kalshi"
	"github.com/edgefeed/edgefeed/pkg/venues/polymarket"
)

var configPath = flag.String("config", "configs/config.yaml", "path to the YAML config file")

func main() {
	flag.Parse()
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "edgefeedd:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := trace.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("edgefeedd starting",
		zap.Bool("paper", cfg.PaperMode),
		zap.Strings("sports", cfg.Orchestrator.Sports),
		zap.Strings("shards", cfg.Orchestrator.ShardIDs))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	b := bus.New()

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return err
	}

	initial := decimal.NewFromFloat(cfg.Positions.InitialBankroll)
	bank := market.NewBankroll(initial)
	if row, err := st.LoadBankroll(ctx, initial); err != nil {
		return fmt.Errorf("load bankroll: %w", err)
	} else if row != nil {
		bank.Current = row.Current
		bank.Piggybank = row.Piggybank
	}
	account := market.NewAccount(bank)
	met.UpdateBankroll(bank.Current, bank.Piggybank)

	// Venue clients. The signer is optional in paper mode; without one the
	// venue-K client serves public market data only.
	var signer *kalshi.Signer
	if cfg.Kalshi.APIKeyID != "" {
		signer, err = kalshi.NewSignerFromFile(cfg.Kalshi.APIKeyID, cfg.Kalshi.PrivateKeyPath, cfg.Kalshi.SignatureTTL)
		if err != nil {
			return fmt.Errorf("kalshi signer: %w", err)
		}
	}
	kalshiClient := kalshi.NewClient(cfg.Kalshi, signer, log)
	polyClient := polymarket.NewClient(cfg.Polymarket, log)

	scoreboard := feed.NewScoreboardClient(cfg.Orchestrator.ScoreboardBaseURL, log)
	matcher := teams.NewMatcher()
	riskCtl := risk.NewController(cfg.Risk, met, log)
	disc := discovery.NewService(kalshiClient, polyClient, b, log)

	var winModel model.WinProbModel = &model.Heuristic{}
	if url := os.Getenv("EDGEFEED_MODEL_URL"); url != "" {
		winModel = model.NewRemote(url, 5*time.Second)
		log.Info("using remote win-probability model", zap.String("url", url))
	}

	kalshiMon := monitor.NewKalshiMonitor(cfg, kalshiClient, signer, b, log, met)
	polyMon := monitor.NewPolymarketMonitor(cfg, polyClient, b, log, met)

	shards := make([]*shard.Shard, 0, len(cfg.Orchestrator.ShardIDs))
	breakers := make([]*risk.CircuitBreaker, 0, len(cfg.Orchestrator.ShardIDs))
	for _, id := range cfg.Orchestrator.ShardIDs {
		br := risk.NewCircuitBreaker(id, cfg.Risk, met, log)
		breakers = append(breakers, br)
		shards = append(shards, shard.New(id, cfg.Shard, shard.Deps{
			Feed:    scoreboard,
			Model:   winModel,
			Matcher: matcher,
			Parser:  &marketparse.Parser{},
			Breaker: br,
			Bus:     b,
			Store:   st,
			Metrics: met,
			Log:     log,
		}))
	}

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Feed:      scoreboard,
		Discovery: disc,
		Bus:       b,
		Store:     st,
		Metrics:   met,
		Log:       log,
	})

	proc := signalproc.New(cfg.Signals, cfg.Positions.TakeProfitPct*100, signalproc.Deps{
		Risk:    riskCtl,
		Account: account,
		Matcher: matcher,
		Bus:     b,
		Store:   st,
		Metrics: met,
		Log:     log,
	})

	exec := execution.New(cfg.Execution, cfg.PaperMode, execution.Deps{
		Kalshi:     kalshiClient,
		Polymarket: polyClient,
		Account:    account,
		Bus:        b,
		Store:      st,
		Metrics:    met,
		Log:        log,
	})

	trackerDeps := positions.Deps{
		Risk:    riskCtl,
		Account: account,
		Matcher: matcher,
		Feed:    scoreboard,
		Bus:     b,
		Store:   st,
		Metrics: met,
		Log:     log,
	}
	// Loss attribution to a breaker is only unambiguous with a single shard.
	if len(breakers) == 1 {
		trackerDeps.Breaker = breakers[0]
	}
	tracker := positions.New(cfg.Positions, trackerDeps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return kalshiMon.Run(gctx) })
	g.Go(func() error { return polyMon.Run(gctx) })
	g.Go(func() error { return disc.Run(gctx) })
	for _, sh := range shards {
		sh := sh
		g.Go(func() error { return sh.Run(gctx) })
	}
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, cfg.HTTP.Addr, met, log) })

	log.Info("edgefeedd running", zap.String("http", cfg.HTTP.Addr))
	err = g.Wait()
	log.Info("edgefeedd stopped")
	return err
}

// serveHTTP exposes /health and Prometheus /metrics, shutting down with ctx.
func serveHTTP(ctx context.Context, addr string, met *metrics.EngineMetrics, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("http server failed", zap.Error(err))
		return err
	}
}
