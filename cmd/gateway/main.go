// Command gateway runs the clawbernetes control plane: the WebSocket
// session layer for node agents and operator CLIs, the scheduler loop,
// the marketplace/escrow engine, and the dashboard's read-only REST+SSE
// surface, all in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawbernetes/clawbernetes-sub007/internal/audit"
	"github.com/clawbernetes/clawbernetes-sub007/internal/config"
	"github.com/clawbernetes/clawbernetes-sub007/internal/escrow"
	"github.com/clawbernetes/clawbernetes-sub007/internal/handlers"
	"github.com/clawbernetes/clawbernetes-sub007/internal/infra"
	"github.com/clawbernetes/clawbernetes-sub007/internal/manager"
	"github.com/clawbernetes/clawbernetes-sub007/internal/marketplace"
	"github.com/clawbernetes/clawbernetes-sub007/internal/middleware"
	"github.com/clawbernetes/clawbernetes-sub007/internal/monitoring"
	"github.com/clawbernetes/clawbernetes-sub007/internal/persistence"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
	"github.com/clawbernetes/clawbernetes-sub007/internal/secrets"
	"github.com/clawbernetes/clawbernetes-sub007/internal/session"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment")
	}
	cfg := config.Get()

	slog.Info("clawbernetes gateway starting", "env", cfg.Server.Env, "listen", cfg.Server.ListenAddr)

	store, err := persistence.NewStore(cfg.Persistence.StateDir, time.Duration(cfg.Persistence.DebounceMs)*time.Millisecond)
	if err != nil {
		slog.Error("failed to initialize persistence store", "error", err)
		os.Exit(1)
	}

	auditLog := audit.New(50000, auditCheckpointer{store})
	reputationTracker := reputation.New(cfg.Marketplace.DefaultReputation, reputationCheckpointer{store})
	secretsStore := secrets.New(auditLog, secretsCheckpointer{store})
	book := marketplace.New(reputationTracker, bookCheckpointer{store})
	escrowEngine := escrow.New(reputationTracker, auditLog, escrowCheckpointer{store}, 10*time.Minute, cfg.Marketplace.FeeBps)

	heartbeatInterval := time.Duration(cfg.Node.HeartbeatIntervalSec) * time.Second
	reg := registry.New(heartbeatInterval, registryCheckpointer{store})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	srv := session.NewServer(session.Config{
		Env:                  cfg.Server.Env,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		MaxFrameBytes:        int64(cfg.Server.MaxFrameBytes),
		ProtocolVersion:      cfg.Node.ProtocolVersion,
		HeartbeatIntervalSec: cfg.Node.HeartbeatIntervalSec,
		MetricsIntervalSec:   cfg.Node.MetricsIntervalSec,
	}, reg, limiter)

	mgr := manager.New(reg, srv, workloadCheckpointer{store}, manager.Config{
		PreemptionEnabled:  cfg.Scheduler.PreemptionEnabled,
		DefaultLogCapacity: cfg.Scheduler.DefaultLogCapacity,
		OfflineGracePeriod: time.Duration(cfg.Node.OfflineGraceSec) * time.Second,
		WorkloadRetention:  time.Duration(cfg.Scheduler.WorkloadRetentionMin) * time.Minute,
	})
	srv.SetManager(mgr)
	srv.SetMarketplace(book)
	srv.SetEscrows(escrowEngine)
	srv.SetSecrets(secretsStore)

	metrics := monitoring.New(prometheus.DefaultRegisterer)

	events := handlers.NewEventBus()
	if cfg.Redis.Enabled {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis unavailable, SSE fan-out stays local-only", "error", err)
		} else {
			events = events.WithRedis(adapter, "clawbernetes:events")
		}
	}
	reg.SetEventPublisher(events)
	mgr.SetEventPublisher(events)

	router := handlers.NewRouter(handlers.Deps{
		Registry:   reg,
		Manager:    mgr,
		Book:       book,
		Escrows:    escrowEngine,
		Reputation: reputationTracker,
		Secrets:    secretsStore,
		Events:     events,
	})
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ws", srv.ServeHTTP)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	runBackgroundLoops(shutdownCtx, cfg, reg, mgr, book, escrowEngine, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received, draining connections")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceMs)*time.Millisecond)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		store.Flush()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("gateway server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("clawbernetes gateway stopped")
}

// runBackgroundLoops starts the scheduler tick, the node-offline sweep,
// the marketplace/escrow expiry sweep, and periodic metrics publishing.
func runBackgroundLoops(
	ctx context.Context,
	cfg *config.Config,
	reg *registry.Registry,
	mgr *manager.Manager,
	book *marketplace.Book,
	escrowEngine *escrow.Engine,
	metrics *monitoring.Metrics,
) {
	schedTick := time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond
	go func() {
		ticker := time.NewTicker(schedTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SchedulerTicks.Inc()
				mgr.RunSchedulerTick(ctx)
			}
		}
	}()

	offlineSweep := time.Duration(cfg.Node.OfflineGraceSec) * time.Second / 4
	if offlineSweep < time.Second {
		offlineSweep = time.Second
	}
	go func() {
		ticker := time.NewTicker(offlineSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, n := range reg.List() {
					if n.Health == registry.HealthOffline {
						mgr.MarkOfflineNode(n.ID, n.LastHeartbeat)
					}
				}
			}
		}
	}()

	marketSweep := time.Duration(cfg.Marketplace.SweepIntervalSec) * time.Second
	go func() {
		ticker := time.NewTicker(marketSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				book.SweepExpired()
				escrowEngine.SweepExpired()
			}
		}
	}()

	retentionSweep := 5 * time.Minute
	go func() {
		ticker := time.NewTicker(retentionSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := mgr.GC(); n > 0 {
					slog.Debug("garbage collected terminal workloads", "count", n)
				}
			}
		}
	}()

	metricsTick := 5 * time.Second
	go func() {
		ticker := time.NewTicker(metricsTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sum := reg.HealthSummary()
				metrics.SetNodeHealth(sum.Healthy, sum.Unhealthy, sum.Offline)

				counts := make(map[string]int)
				for _, v := range mgr.List() {
					counts[string(v.State)]++
				}
				metrics.SetWorkloadStates(counts)
			}
		}
	}()
}

// the following adapters satisfy each domain package's narrow
// Checkpointer interface by delegating to one shared persistence.Store;
// persistence.CheckpointJSON is a generic function (Go forbids generic
// methods), so each snapshot type needs its own tiny adapter type.

type registryCheckpointer struct{ s *persistence.Store }

func (a registryCheckpointer) Checkpoint(store string, snapshot []registry.Snapshot) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type workloadCheckpointer struct{ s *persistence.Store }

func (a workloadCheckpointer) Checkpoint(store string, snapshot []workload.View) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type auditCheckpointer struct{ s *persistence.Store }

func (a auditCheckpointer) Checkpoint(store string, snapshot []audit.Entry) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type reputationCheckpointer struct{ s *persistence.Store }

func (a reputationCheckpointer) Checkpoint(store string, snapshot []reputation.Record) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type secretsCheckpointer struct{ s *persistence.Store }

func (a secretsCheckpointer) Checkpoint(store string, snapshot []secrets.View) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type escrowCheckpointer struct{ s *persistence.Store }

func (a escrowCheckpointer) Checkpoint(store string, snapshot []escrow.Account) {
	persistence.CheckpointJSON(a.s, store, snapshot)
}

type bookCheckpointer struct{ s *persistence.Store }

func (a bookCheckpointer) CheckpointOffers(snapshot []marketplace.CapacityOffer) {
	persistence.CheckpointJSON(a.s, "offers", snapshot)
}

func (a bookCheckpointer) CheckpointOrders(snapshot []marketplace.JobOrder) {
	persistence.CheckpointJSON(a.s, "orders", snapshot)
}
