// Command swarmd runs the swarm governance process: the proposal pipeline,
// the action executor, the finality consumer, the quiescence watchdog, the
// hatchery supervisor and the MITL review endpoint, all in one binary.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/swarm/core/pkg/authz"
	"github.com/Mindburn-Labs/swarm/core/pkg/blob"
	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/config"
	"github.com/Mindburn-Labs/swarm/core/pkg/convergence"
	"github.com/Mindburn-Labs/swarm/core/pkg/dedup"
	"github.com/Mindburn-Labs/swarm/core/pkg/finality"
	"github.com/Mindburn-Labs/swarm/core/pkg/governance"
	"github.com/Mindburn-Labs/swarm/core/pkg/graph"
	"github.com/Mindburn-Labs/swarm/core/pkg/hatchery"
	"github.com/Mindburn-Labs/swarm/core/pkg/llm"
	"github.com/Mindburn-Labs/swarm/core/pkg/metrics"
	"github.com/Mindburn-Labs/swarm/core/pkg/observability"
	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/review"
	"github.com/Mindburn-Labs/swarm/core/pkg/state"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
	"github.com/Mindburn-Labs/swarm/core/pkg/watchdog"

	_ "github.com/lib/pq" // Postgres driver
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("swarmd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("swarmd starting", "scope", cfg.ScopeID, "agent", cfg.AgentID, "role", cfg.AgentRole)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	walLog, err := wal.NewPostgresLog(ctx, db)
	if err != nil {
		return err
	}
	store, err := graph.NewPostgresStore(ctx, db)
	if err != nil {
		return err
	}
	machine, err := state.NewMachine(ctx, db, walLog)
	if err != nil {
		return err
	}
	if _, err := machine.Bootstrap(ctx, cfg.ScopeID, uuid.New().String()); err != nil {
		return err
	}
	registry, err := dedup.NewPostgresRegistry(ctx, db)
	if err != nil {
		return err
	}
	reviews, err := governance.NewPostgresReviewRegistry(ctx, db)
	if err != nil {
		return err
	}
	recorder, err := hatchery.NewPostgresEventRecorder(ctx, db)
	if err != nil {
		return err
	}

	b, err := bus.Connect(ctx, bus.Options{URL: cfg.NATSURL, Stream: cfg.NATSStream, Logger: logger})
	if err != nil {
		return err
	}
	defer b.Close()

	var blobStore blob.Store
	if cfg.S3Bucket != "" {
		blobStore, err = blob.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3PathStyle)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no S3_BUCKET configured, using in-memory blob store")
		blobStore = blob.NewMemoryStore()
	}
	drift := governance.NewBlobDriftSource(blobStore)

	policyCfg, err := policy.LoadFile(cfg.GovernancePath)
	if err != nil {
		logger.Warn("governance config unavailable, using defaults",
			"path", cfg.GovernancePath, "error", err)
		policyCfg = policy.Default()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		cache = redis.NewClient(opts)
		defer cache.Close()
	}
	authzClient := authz.NewClient(authz.NewEngine(), cache, authz.Options{PermissiveFallback: true}, logger)

	var oversight *governance.Oversight
	if cfg.OpenAIAPIKey != "" {
		provider := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		oversight = governance.NewOversight(llm.NewClient(provider, llm.DefaultOptions()), logger)
	} else {
		logger.Info("no OPENAI_API_KEY configured, oversight runs deterministic-only")
	}

	m := metrics.New()
	pipeline := governance.NewPipeline(governance.PipelineDeps{
		States:    machine,
		Drift:     drift,
		Policy:    policyCfg,
		Authz:     authzClient,
		WAL:       walLog,
		Bus:       b,
		Reviews:   reviews,
		Metrics:   m,
		DB:        db,
		Oversight: oversight,
		Logger:    logger,
	})
	loop := governance.NewLoop(b, pipeline, registry, logger)
	advancer := governance.NewStateAdvancer(machine, drift, policyCfg, logger)
	evaluator := finality.NewEvaluator(store,
		finality.Thresholds{Near: cfg.NearFinalityThreshold, Auto: cfg.AutoFinalityThreshold}, logger)

	hatch := hatchery.New(hatchery.DefaultConfig(), b, recorder, m, logger)
	wd := watchdog.New(cfg.ScopeID,
		watchdog.Config{Interval: cfg.WatchdogInterval, Quiescence: cfg.WatchdogQuiescence},
		loop, evaluator, store, reviews, b, walLog, logger)

	stopActions, err := governance.RunActionExecutor(ctx, b, registry, advancer, logger)
	if err != nil {
		return err
	}
	defer stopActions()

	history := &scoreHistory{}
	stopFinality, err := governance.RunFinalityConsumer(ctx, b, registry,
		func(ctx context.Context, scope string) error {
			res, err := evaluator.Evaluate(ctx, scope)
			if err != nil {
				return err
			}
			m.FinalityScore.WithLabelValues(scope).Set(res.Snapshot.GoalScoreTotal)
			sig := history.observe(res.Snapshot)
			hatch.UpdatePressure(sig.Pressure)
			logger.Info("finality pass",
				"scope", scope, "status", res.Status,
				"score", res.Snapshot.GoalScoreTotal,
				"plateaued", sig.IsPlateaued,
				"highest_pressure", sig.HighestPressure)
			return nil
		}, logger)
	if err != nil {
		return err
	}
	defer stopFinality()

	reviewSrv := review.NewServer(reviews, b, walLog, []byte(cfg.MITLJWTSecret), logger)

	var wg sync.WaitGroup
	runPart := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped", "component", name, "error", err)
				stop()
			}
		}()
	}
	runPart("governance-loop", loop.Run)
	runPart("watchdog", wd.Run)
	runPart("hatchery", hatch.Run)
	runPart("review-server", func(ctx context.Context) error {
		err := reviewSrv.ListenAndServe(ctx, ":"+cfg.MITLPort)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	runPart("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, m, logger)
	})

	<-ctx.Done()
	logger.Info("shutting down", "grace", shutdownGrace)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace expired")
	}
	return nil
}

// scoreHistory accumulates finality snapshots into convergence points.
type scoreHistory struct {
	mu     sync.Mutex
	points []convergence.Point
}

func (h *scoreHistory) observe(snap finality.Snapshot) convergence.Signals {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, finality.Point(uint64(len(h.points)+1), snap))
	return convergence.Compute(h.points, convergence.Options{})
}

func serveMetrics(ctx context.Context, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
