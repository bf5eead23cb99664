// Command tokenwatch is the composition root: it wires FeedClient, the
// ingest pipeline, the Tracker, the TrendAnalyzer, the Sink, the query
// HTTP surface, and the event bus together, then drives the standing
// goroutines until interrupted. Grounded on the teacher's
// cmd/cryptorun/main.go for the zerolog/cobra/term shape, generalized
// from its scan-CLI surface to tokenwatch's always-on ingestion daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/config"
	"github.com/sawpanic/tokenwatch/internal/feed/wsfeed"
	"github.com/sawpanic/tokenwatch/internal/ingest"
	"github.com/sawpanic/tokenwatch/internal/platform"
	"github.com/sawpanic/tokenwatch/internal/query"
	"github.com/sawpanic/tokenwatch/internal/query/httpapi"
	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/sink/postgres"
	"github.com/sawpanic/tokenwatch/internal/telemetry"
	"github.com/sawpanic/tokenwatch/internal/tracker"
	"github.com/sawpanic/tokenwatch/internal/trend"
	"github.com/sawpanic/tokenwatch/internal/types"
)

const (
	appName = "tokenwatch"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var httpPort int
	var dsn string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Streaming token-lifecycle tracker",
		Version: version,
		Long: appName + ` ingests a live feed of token creations and trades,
tracks per-token health and price history, periodically analyzes trends
and runs the rugged/inactive cleanup protocol, and persists enriched
records to a time-series store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, dsn, httpPort)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config overlay")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("TOKENWATCH_DSN"), "postgres connection string")
	rootCmd.PersistentFlags().IntVar(&httpPort, "http-port", 8090, "port for the read-only query HTTP surface")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tokenwatch: fatal")
	}
}

func runDaemon(configPath, dsn string, httpPort int) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Info().Msg("tokenwatch: running non-interactively")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewRegistry(registry)

	eventBus := bus.New()

	s, err := buildSink(dsn)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	detector := platform.NewDetector(platform.Config{
		CacheMaxEntries: 10_000,
		CacheTTL:        24 * time.Hour,
		FallbackDefault: types.PlatformUnknown,
	})

	trk, err := tracker.New(cfg, s, eventBus, metrics)
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	processor := ingest.New(ingest.Config{
		QueueCapacity:    10_000,
		BatchSize:        cfg.BatchSize,
		FlushInterval:    cfg.FlushInterval,
		DedupWindow:      cfg.DedupWindow,
		FallbackPlatform: types.PlatformUnknown,
	}, s, trk, detector, metrics)

	analyzer := trend.New(cfg.AnalysisInterval, s, trk, metrics)

	feedClient := wsfeed.New(wsfeed.Config{
		URL:                  cfg.FeedURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
	}, eventBus, metrics)
	feedClient.OnNewToken(func(e types.NewTokenEvent) { _ = processor.Submit(e) })
	feedClient.OnTrade(func(e types.TradeEvent) { _ = processor.Submit(e) })

	// Per spec.md section 9, no component holds a direct reference to
	// another outside the bus: the composition root, not the Tracker,
	// tells the FeedClient to drop a subscription once a mint is
	// cleaned up.
	eventBus.Subscribe(bus.TopicTokenCleanedUp, func(event any) {
		e, ok := event.(bus.TokenCleanedUpEvent)
		if !ok {
			return
		}
		if err := feedClient.Unsubscribe([]string{e.Mint}); err != nil {
			log.Warn().Err(err).Str("mint", e.Mint).Msg("tokenwatch: unsubscribe after cleanup failed")
		}
	})

	facade := query.New(trk, s)
	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = httpPort
	querySrv, err := httpapi.New(httpCfg, facade)
	if err != nil {
		return fmt.Errorf("query http surface: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go trk.Run(ctx)
	go processor.Run(ctx)
	go analyzer.Run(ctx)
	go func() {
		if err := querySrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("tokenwatch: query http surface exited")
		}
	}()
	go func() {
		if err := feedClient.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("tokenwatch: initial feed connect failed")
		}
	}()

	log.Info().Str("version", version).Msg("tokenwatch: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("tokenwatch: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := querySrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tokenwatch: query http surface shutdown")
	}
	_ = feedClient.Disconnect()
	processor.Stop()
	analyzer.Stop()
	cancel()
	trk.Stop()

	return nil
}

func buildSink(dsn string) (sink.Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("a postgres DSN is required (--dsn or TOKENWATCH_DSN)")
	}
	db, err := postgres.Open(postgres.Config{
		DSN:             dsn,
		MaxOpenConns:    postgres.DefaultConfig().MaxOpenConns,
		MaxIdleConns:    postgres.DefaultConfig().MaxIdleConns,
		ConnMaxLifetime: postgres.DefaultConfig().ConnMaxLifetime,
		QueryTimeout:    postgres.DefaultConfig().QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	return postgres.NewAdapter(db, postgres.DefaultConfig().QueryTimeout, 30*time.Second), nil
}
