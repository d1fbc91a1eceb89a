package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"MarginLedger/internal/assets"
	"MarginLedger/internal/config"
	"MarginLedger/internal/engine"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARGIN_CONFIG"), "path to YAML config file (optional)")
	flag.Parse()

	logger := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.HTTP.JWTSecret == "" {
		logger.Fatal().Msg("http.jwt_secret is required (set MARGIN_JWT_SECRET)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureCommandStream(ctx, js, cfg.NATS.StreamName, cfg.NATS.CommandPrefix); err != nil {
		logger.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureEventStream(ctx, js, cfg.NATS.StreamName+"_EVENTS", cfg.NATS.EventPrefix); err != nil {
		logger.Fatal().Err(err).Msg("ensure event stream")
	}

	// --- Engine wiring ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	wallet := assets.NewNATSWalletClient(nc, cfg.NATS.WalletPrefix, 5*time.Second)

	persistChan := make(chan engine.Output, cfg.Engine.PersistChanSize)
	projectionChan := make(chan engine.Output, cfg.Engine.ProjectionChanSize)

	eng := engine.New(
		0,
		wallet,
		engine.NewStaticAccessPolicy(cfg.Engine.ExecutorAccounts),
		cfg.Engine.FeeReceiver,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
	)

	// --- Recovery: snapshot restore + event replay ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		if err := eng.RestoreSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	keys, err := dbChecker.LoadRecentKeys(ctx, cfg.Engine.IdempotencyLRUSize)
	if err != nil {
		logger.Warn().Err(err).Msg("warm idempotency lru")
	} else if len(keys) > 0 {
		eng.WarmIdempotency(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency lru warmed")
	}

	replayed, err := replayEventLog(ctx, snapMgr, eng, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	logHead, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("read event log head")
	} else {
		logger.Info().
			Int64("replayed", replayed).
			Int64("log_head", logHead).
			Int64("next_sequence", eng.Sequence()).
			Msg("recovery complete")
	}

	// --- Workers ---
	commandChan := make(chan ingestion.RawCommand, 4096)
	publishChan := make(chan engine.Output, cfg.Engine.PublishChanSize)
	projWorkChan := make(chan engine.Output, cfg.Engine.ProjectionChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics)
	projWorker := projection.NewProjectionWorker(db, projWorkChan, metrics)
	publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.EventPrefix, publishChan)
	cmdWorker := ingestion.NewCommandWorker(eng, commandChan, metrics)

	subscriber := ingestion.NewNATSSubscriber(js, commandChan)
	if err := subscriber.Subscribe(ctx, cfg.NATS.StreamName, ingestion.DefaultSubjects(cfg.NATS.CommandPrefix)); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	queryService := query.NewQueryService(db, metrics)
	srv := server.NewServer(eng, queryService, health, []byte(cfg.HTTP.JWTSecret))

	httpServer := &http.Server{
		Addr:        cfg.HTTP.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	errChan := make(chan error, 8)

	go func() { errChan <- persistWorker.Run(ctx) }()
	go func() { errChan <- projWorker.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- cmdWorker.Run(ctx) }()

	// Fan out committed records to the projection worker and the outbound
	// publisher. Both are rebuildable downstream, so the publisher send drops
	// under pressure rather than stalling projections.
	go fanOutProjection(ctx, projectionChan, projWorkChan, publishChan, metrics, logger)

	go reportChannelGauges(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projWorkChan), cap(projWorkChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"command":    func() (int, int) { return len(commandChan), cap(commandChan) },
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.HTTP.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	if cfg.Snapshot.Interval > 0 {
		go runPeriodicSnapshots(ctx, eng, snapMgr, cfg.Snapshot.Interval, metrics, logger)
	}

	health.SetReady(true)
	logger.Info().
		Int64("sequence", eng.Sequence()).
		Str("http", cfg.HTTP.ListenAddr).
		Str("metrics", cfg.HTTP.MetricsAddr).
		Msg("margin ledger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	// Stop intake first so no new commands mutate state, then let the workers
	// drain and take a final snapshot of the settled state.
	subscriber.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	httpServer.Shutdown(shutCtx)

	cancel()
	time.Sleep(500 * time.Millisecond) // let workers flush their final batches

	if err := takeSnapshot(shutCtx, eng, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("shutdown complete")
}

// replayEventLog replays the event log from the engine's current sequence to
// the head. Replay is strict: any divergence from the logged hashes is fatal,
// a ledger that cannot reproduce its own history must not take commands.
func replayEventLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	eng *engine.Engine,
	metrics *observability.Metrics,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		envelopes, err := snapMgr.LoadEventsFrom(ctx, eng.Sequence(), batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", eng.Sequence(), err)
		}
		if len(envelopes) == 0 {
			return total, nil
		}

		for i := range envelopes {
			if err := eng.Replay(&envelopes[i]); err != nil {
				return total, err
			}
			total++
			metrics.ReplayEventsTotal.Inc()
		}
	}
}

func fanOutProjection(
	ctx context.Context,
	in <-chan engine.Output,
	projOut chan<- engine.Output,
	publishOut chan<- engine.Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}

			select {
			case projOut <- out:
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- out:
			default:
				metrics.PublishDrops.Inc()
				logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, record dropped")
			}
		}
	}
}

func reportChannelGauges(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizes := range channels {
				size, capacity := sizes()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(size))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
			}
		}
	}
}

func runPeriodicSnapshots(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	lastSnapshotSeq := eng.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := eng.Sequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, eng, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", currentSeq).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot captures live engine state and persists it. The snapshot is
// marked verified immediately: it came from live state, not a rebuild.
func takeSnapshot(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap := eng.Snapshot()
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))

	return nil
}
