package main

import (
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/observability"
	"CustodyBank/internal/persistence"
	"CustodyBank/internal/query"
	"CustodyBank/internal/runtime"
	"CustodyBank/internal/server"
	"CustodyBank/migrations"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CUSTODY_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("custodybank", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("custodybank failed")
	}
}

func run(cfg Config, logger zerolog.Logger) error {
	logger.Info().Msg("CustodyBank starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Bank program ---
	programID, err := cfg.Bank.programID()
	if err != nil {
		return err
	}
	bankCfg, err := cfg.Bank.processorConfig()
	if err != nil {
		return err
	}

	// --- Genesis ledger ---
	l := ledger.NewLedger(runtime.DefaultRent)
	exempt := runtime.DefaultRent.MinimumBalance(ledger.TokenAccountLen)
	for _, g := range cfg.Genesis {
		acc, err := g.account(exempt)
		if err != nil {
			return err
		}
		if err := l.Put(acc); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	logger.Info().Int("accounts", len(cfg.Genesis)).Msg("genesis ledger loaded")

	// --- Postgres (optional) ---
	var (
		db          *sql.DB
		snapMgr     *persistence.SnapshotManager
		persistChan chan core.Output
		execCfg     = core.Config{
			LRUCapacity: cfg.IdempotencyLRUCapacity,
			Metrics:     metrics,
			Logger:      observability.NewLoggerWithLevel("core", observability.ParseLogLevel(cfg.LogLevel)),
		}
	)
	if cfg.PostgresURL != "" {
		db, err = openPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		snapMgr = persistence.NewSnapshotManager(db, metrics)
		persistChan = make(chan core.Output, cfg.PersistChanSize)
		execCfg.PersistChan = persistChan
		execCfg.DBChecker = persistence.NewPostgresIdempotencyChecker(db)
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("CUSTODY_POSTGRES_DSN not set, running without invocation log")
	}

	// --- NATS (optional) ---
	var (
		nc          *nats.Conn
		js          jetstream.JetStream
		publishChan chan core.Output
	)
	if cfg.NATSURL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		publishChan = make(chan core.Output, cfg.PublishChanSize)
		execCfg.PublishChan = publishChan
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	} else {
		logger.Warn().Msg("CUSTODY_NATS_URL not set, NATS ingest disabled")
	}

	// --- Executor ---
	exec := core.NewExecutor(l, execCfg)
	exec.Register(programID, bank.NewProcessor(bankCfg, observability.NewLoggerWithLevel("bank", observability.ParseLogLevel(cfg.LogLevel))))

	if snapMgr != nil {
		if err := recoverState(ctx, exec, snapMgr, logger); err != nil {
			return err
		}
	}

	// --- Services ---
	seed := []byte(cfg.Bank.CustodySeed)
	ingestService, err := ingestion.NewIngestService(exec, programID, seed, metrics, logger)
	if err != nil {
		return err
	}
	queryService := query.NewQueryService(exec, db, programID, seed)

	deps := &server.ServerDeps{
		IngestService: ingestService,
		QueryService:  queryService,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLoggerWithLevel("server", observability.ParseLogLevel(cfg.LogLevel)),
	}
	if snapMgr != nil {
		deps.Snapshots = snapMgr
		deps.State = exec
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, deps)

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var servers, workers sync.WaitGroup

	// 1. Persistence worker. It drains until persistChan is closed.
	if persistChan != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := persistWorker.Run(context.Background()); err != nil {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
		go func() {
			if err, ok := <-persistWorker.Err(); ok {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
	}

	// 2. Receipt publisher and NATS subscriber
	var natsSubscriber *ingestion.NATSSubscriber
	if js != nil {
		publisher := ingestion.NewReceiptPublisher(js, publishChan, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			publisher.Run(context.Background())
		}()

		natsSubscriber = ingestion.NewNATSSubscriber(js, exec, metrics, logger)
		if err := natsSubscriber.Subscribe(ctx); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}

	// 3. gRPC server and HTTP gateway
	servers.Add(2)
	go func() {
		defer servers.Done()
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		defer servers.Done()
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 4. Periodic snapshots
	if snapMgr != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			runPeriodicSnapshots(ctx, exec, snapMgr, cfg.SnapshotInterval, logger)
		}()
	}

	// 5. Channel gauges
	servers.Add(1)
	go func() {
		defer servers.Done()
		reportChannels(ctx, metrics, persistChan, publishChan)
	}()

	// 6. Prometheus metrics server
	servers.Add(1)
	go func() {
		defer servers.Done()
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", exec.GetSequence()).
		Str("program_id", programID.String()).
		Str("custody_authority", ingestService.CustodyAuthority().String()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("CustodyBank ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, wait for in-flight calls, drain the output channels, then
	// take a final snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		natsSubscriber.Stop(drainCtx)
		drainCancel()
	}
	cancel()
	servers.Wait()

	if persistChan != nil {
		close(persistChan)
	}
	if publishChan != nil {
		close(publishChan)
	}
	workers.Wait()

	if snapMgr != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if snap, err := snapMgr.Take(shutdownCtx, exec); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("CustodyBank shutdown complete")
	return nil
}

func openPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")
	return db, nil
}

// recoverState restores the latest snapshot and replays the invocation log
// after it. Replay verifies every logged state hash.
func recoverState(ctx context.Context, exec *core.Executor, snapMgr *persistence.SnapshotManager, logger zerolog.Logger) error {
	from := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
	}
	if snap != nil {
		if err := exec.RestoreFromSnapshot(&snap.SnapshotState); err != nil {
			return fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Int("accounts", len(snap.Accounts)).Msg("loaded snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := persistence.ReplayInvocations(ctx, snapMgr, exec, from, logger)
	if err != nil {
		return fmt.Errorf("invocation replay: %w", err)
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	if next := exec.GetSequence(); latest >= next {
		return fmt.Errorf("invocation log ends at %d but replay stopped before %d", latest, next)
	}

	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", exec.GetSequence()).
		Str("state_hash", exec.GetStateHash().String()).
		Msg("state recovered")
	return nil
}

// runPeriodicSnapshots snapshots once at least interval invocations have
// been applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	exec *core.Executor,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := exec.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := exec.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			snap, err := snapMgr.Take(ctx, exec)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot")
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persistChan, publishChan chan core.Output) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if persistChan != nil {
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			}
			if publishChan != nil {
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
