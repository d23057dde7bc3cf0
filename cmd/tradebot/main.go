package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/api"
	"github.com/primetrades/primetrades/internal/chaos"
	"github.com/primetrades/primetrades/internal/config"
	"github.com/primetrades/primetrades/internal/engine"
	"github.com/primetrades/primetrades/internal/events"
	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/exchange/binance"
	"github.com/primetrades/primetrades/internal/exchange/paper"
	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/ledger"
	"github.com/primetrades/primetrades/internal/logging"
	"github.com/primetrades/primetrades/internal/market"
	"github.com/primetrades/primetrades/internal/msg"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/risk"
	"github.com/primetrades/primetrades/internal/strategy"
	"github.com/primetrades/primetrades/internal/trade"
)

func main() {
	// Load configuration
	cfg := config.Load("tradebot")

	// Initialize logger
	var logger *zap.Logger
	var err error
	if cfg.LogFile != "" {
		logger, err = logging.NewLoggerWithFile(cfg.ServiceName, cfg.LogLevel, cfg.LogFile)
	} else {
		logger, err = logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting tradebot",
		zap.String("mode", cfg.Mode),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("strategy", cfg.Strategy),
		zap.String("api_addr", cfg.APIAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("testnet", cfg.Testnet),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the journal and replay fills into the ledger so positions
	// and cost basis survive restarts.
	store, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()

	book := ledger.New(cfg.StartingBalance, logger)
	fills, err := store.AllFills(context.Background())
	if err != nil {
		logger.Fatal("failed to load journaled fills", zap.Error(err))
	}
	for _, f := range fills {
		book.Apply(f)
	}
	logger.Info("ledger restored from journal", zap.Int("fills", len(fills)))

	// Chaos injection is only ever wired into the paper gateway. The
	// chaos package owns its CHAOS_* knobs; config only carries the gate.
	var cha *chaos.Chaos
	if cfg.ChaosEnabled {
		chaosCfg := chaos.LoadConfig()
		cha = chaos.New(chaosCfg, logger)
		logger.Warn("chaos injection enabled", zap.String("profile", chaosCfg.Profile))
	}

	var gw exchange.Gateway
	switch cfg.Mode {
	case config.ModeBinance:
		gw = binance.New(binance.Config{
			APIKey:       cfg.APIKey,
			APISecret:    cfg.APISecret,
			Testnet:      cfg.Testnet,
			RecvWindowMs: int64(cfg.RecvWindowMs),
			Symbols:      cfg.Symbols,
		}, logger)
	default:
		gw = paper.New(paper.Config{
			Symbols:      cfg.Symbols,
			StartPrice:   cfg.PaperStartPrice,
			TickInterval: time.Duration(cfg.PaperTickIntervalMs) * time.Millisecond,
			StartBalance: cfg.StartingBalance,
		}, cha, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		logger.Fatal("failed to connect exchange gateway",
			zap.String("gateway", gw.Name()),
			zap.Error(err),
		)
	}
	defer gw.Close()

	healthChecker := obs.NewHealthChecker(logger)
	healthChecker.SetGatewayReady(true)

	board := market.NewBoard()
	feed := market.NewFeed(gw.Ticks(), cfg.Symbols, board, logger)

	gate := risk.NewGate(risk.Limits{
		MaxPositionQty: cfg.MaxPositionQty,
		MaxExposure:    cfg.MaxExposure,
		Cooldown:       cfg.Cooldown(),
		LimitOffsetPct: cfg.LimitOffsetPct,
	}, board, logger)

	eng := engine.New(engine.Config{
		SubmitAttempts: cfg.SubmitAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		AckTimeout:     cfg.AckTimeout(),
		StuckTimeout:   cfg.StuckOrderTimeout(),
	}, gw, book, store, gate, logger)

	strat, err := strategy.New(cfg.Strategy, strategy.Params{
		FastPeriod: cfg.SMAFast,
		SlowPeriod: cfg.SMASlow,
		OrderQty:   cfg.OrderQty,
		EquityFrac: cfg.EquityFrac,
	})
	if err != nil {
		logger.Fatal("failed to build strategy", zap.Error(err))
	}

	runner := strategy.NewRunner(feed, board, strat, book, gate, eng, cfg.Symbols, logger)

	apiServer := api.NewServer(api.Deps{
		Engine:  eng,
		Ledger:  book,
		Board:   board,
		Gate:    gate,
		Runner:  runner,
		Gateway: gw,
		Health:  healthChecker,
	}, logger)

	// Lifecycle payloads go to websocket subscribers as well as the
	// outbox; ticks are websocket-only.
	eng.SetNotifier(apiServer.Broadcast)
	feed.SetObserver(func(tk trade.Tick) {
		apiServer.Broadcast(api.ChannelTicks, msg.TickMsg{
			Symbol:       tk.Symbol,
			Price:        tk.Price,
			Qty:          tk.Qty,
			Seq:          tk.Seq,
			TsUnixMillis: tk.At.UnixMilli(),
		})
	})

	// Starting the engine restores open orders from the journal and
	// schedules their reconciliation against the venue.
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start order engine", zap.Error(err))
	}
	defer eng.Close()

	feedDone := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(feedDone)
	}()
	healthChecker.SetFeedReady(true)

	runnerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runnerDone)
	}()

	// Outbox publishing is optional: without brokers the journal still
	// records every event and the websocket still broadcasts them.
	publisherErrCh := make(chan error, 1)
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := msg.NewProducer(brokers, logger)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()

		pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
		if err := producer.Ping(pingCtx); err != nil {
			cancelPing()
			logger.Fatal("kafka brokers unreachable", zap.Error(err))
		}
		cancelPing()
		healthChecker.SetKafkaReady(true)

		publisher := events.NewPublisher(store, producer, logger)
		go func() {
			if err := publisher.Run(ctx); err != nil {
				publisherErrCh <- err
			}
		}()
		logger.Info("outbox publisher running", zap.Strings("brokers", brokers))
	}

	apiErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil && err != http.ErrServerClosed {
			apiErrCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-apiErrCh:
		logger.Error("api server error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("outbox publisher error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	healthChecker.Shutdown()

	// No new strategy orders from here on.
	runner.Pause()

	// Best-effort cancel of whatever is still working. Orders that do
	// not confirm in time stay in the journal and reconcile on restart.
	if n := eng.CancelAll(); n > 0 {
		logger.Info("cancelling open orders", zap.Int("orders", n))
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && len(eng.Open()) > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		if left := len(eng.Open()); left > 0 {
			logger.Warn("orders still open at shutdown, journal will reconcile on restart",
				zap.Int("orders", left),
			)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down api server", zap.Error(err))
	}

	// Stop feed, runner and publisher, then the engine and gateway.
	cancel()
	eng.Close()
	gw.Close()

	select {
	case <-feedDone:
	case <-time.After(5 * time.Second):
		logger.Warn("feed did not drain in time")
	}
	select {
	case <-runnerDone:
	case <-time.After(5 * time.Second):
		logger.Warn("strategy runner did not drain in time")
	}

	logger.Info("tradebot stopped")
}
