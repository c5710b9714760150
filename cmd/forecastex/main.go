// Command forecastex runs the venue core: the HTTP order API, the matching
// engine, the consensus publish workers, the mirror confirmer, the health
// monitor, and the settlement pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forecastex/forecastex/pkg/logger"

	"github.com/forecastex/forecastex/internal/collateral"
	"github.com/forecastex/forecastex/internal/config"
	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/database"
	"github.com/forecastex/forecastex/internal/engine"
	"github.com/forecastex/forecastex/internal/journal"
	"github.com/forecastex/forecastex/internal/marketdata"
	"github.com/forecastex/forecastex/internal/server"
	"github.com/forecastex/forecastex/internal/settlement"
	"github.com/forecastex/forecastex/internal/signing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("venue core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.Dir, log)
		if err != nil {
			return err
		}
		defer jnl.Close() //nolint:errcheck
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := cache.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unavailable, snapshot cache disabled", zap.Error(err))
			cache = nil
		}
		pingCancel()
	}

	var md *marketdata.Publisher
	if cfg.Kafka.Enabled {
		md = marketdata.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer md.Close() //nolint:errcheck
	}

	ledger := consensus.NewHTTPLedgerClient(cfg.Ledger.BaseURL, cfg.Ledger.MirrorURL, cfg.Ledger.SubmitTimeout, log)
	queue := consensus.NewQueue(db, log)

	store := collateral.NewStore(db, log)
	guard := collateral.NewGuard(store, log)
	eng := engine.New(db, signing.NewVerifier(), store, guard, queue, engine.Options{
		Journal:    jnl,
		MarketData: md,
		Cache:      cache,
		CacheTTL:   cfg.Redis.CacheTTL,
		JobRetries: cfg.Consensus.MaxRetries,
	}, log)

	confirmer := consensus.NewConfirmer(queue, ledger,
		cfg.Consensus.MirrorInterval, cfg.Consensus.MirrorDelay, cfg.Ledger.MirrorTimeout,
		cfg.Consensus.MirrorMaxRetries, log)
	confirmer.OnConfirmed = eng.OnJobConfirmed

	monitor := consensus.NewMonitor(queue,
		cfg.Consensus.HealthInterval, cfg.Consensus.StaleThreshold, cfg.Consensus.FailedRetention, log)

	aggregator := settlement.NewAggregator(db, queue, eng,
		cfg.Consensus.BatchInterval, cfg.Consensus.BatchWindow,
		cfg.Consensus.BatchMaxTrades, cfg.Consensus.MaxRetries, log)
	contract := settlement.NewHTTPContractClient(cfg.Settlement.BaseURL, cfg.Settlement.SubmitTimeout)
	submitter := settlement.NewSubmitter(db, contract, cfg.Settlement.Interval, log)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
		log.Info("component started", zap.String("component", name))
	}

	for i := 0; i < cfg.Consensus.WorkerCount; i++ {
		w := consensus.NewWorker(fmt.Sprintf("worker-%d", i), queue, ledger, cfg.Consensus.WorkerInterval, log)
		start("consensus_worker", w.Start)
	}
	start("mirror_confirmer", confirmer.Start)
	start("health_monitor", monitor.Start)
	start("batch_aggregator", aggregator.Start)
	start("settlement_submitter", submitter.Start)
	start("expiry_sweeper", func(c context.Context) {
		eng.StartExpirySweeper(c, time.Minute)
	})

	srv := server.New(cfg.Server, eng, monitor, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
	log.Info("venue core stopped")
	return nil
}
