// Command warden runs the governed mission runtime: the run controller, the
// websocket stream, and the Prometheus metrics endpoint in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gridline-robotics/warden/internal/broadcast"
	"github.com/gridline-robotics/warden/internal/broadcast/wsbridge"
	"github.com/gridline-robotics/warden/internal/chain"
	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/mission"
	"github.com/gridline-robotics/warden/internal/observability"
	"github.com/gridline-robotics/warden/internal/planner"
	"github.com/gridline-robotics/warden/internal/planner/genai"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/internal/runtime"
	"github.com/gridline-robotics/warden/internal/simulator"
	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/internal/store/memstore"
	"github.com/gridline-robotics/warden/internal/store/sqlitestore"
)

func main() {
	simURL := flag.String("sim-url", envOr("SIM_URL", "http://localhost:8001"), "base URL of the warehouse simulator")
	simToken := flag.String("sim-token", os.Getenv("SIM_TOKEN"), "shared secret for simulator requests")
	storeKind := flag.String("store", envOr("WARDEN_STORE", "memory"), "persistence backend: memory or sqlite")
	dbPath := flag.String("db", envOr("WARDEN_DB", "warden.db"), "SQLite database path (store=sqlite)")
	listenAddr := flag.String("listen-addr", envOr("WARDEN_LISTEN_ADDR", ":8080"), "HTTP address for the websocket stream")
	metricsAddr := flag.String("metrics-addr", envOr("WARDEN_METRICS_ADDR", ":9090"), "HTTP address for Prometheus /metrics")
	tick := flag.Duration("tick", 100*time.Millisecond, "run loop tick interval")
	agentic := flag.Bool("agentic", false, "use the ReAct planner instead of single-shot planning")
	demo := flag.Bool("demo", false, "create and start a demonstration mission on boot")
	flag.Parse()

	// Local .env files are a convenience for development; absence is fine.
	_ = godotenv.Load()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "tracing init failed", logging.Err(err))
		os.Exit(1)
	}

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "metrics collector init failed", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	st, closeStore, err := openStore(*storeKind, *dbPath)
	if err != nil {
		log.Error(ctx, "store init failed",
			logging.String("store", *storeKind), logging.Err(err))
		os.Exit(1)
	}
	defer closeStore()

	var llm planner.LLM
	if client := genai.New(genai.ConfigFromEnv(), log); client.Configured() {
		llm = client
		log.Info(ctx, "reasoning service configured")
	} else {
		log.Info(ctx, "no reasoning service configured, planners run deterministic fallbacks")
	}

	hub := broadcast.NewHub(log)
	missions := mission.NewService(st, st, log)
	sim := simulator.New(simulator.Config{BaseURL: *simURL, Token: *simToken}, log)
	eval := policy.NewEvaluator(policy.DefaultConfig())

	ctl := runtime.New(runtime.Config{
		TickInterval: *tick,
		Agentic:      *agentic,
	}, st, chain.NewLog(st), sim, eval, hub, missions, llm, collector, log)

	if err := ctl.Rehydrate(ctx); err != nil {
		log.Warn(ctx, "run rehydration incomplete", logging.Err(err))
	}

	if *demo {
		startDemo(ctx, log, missions, ctl)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsbridge.New(hub, log))
	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info(ctx, "serving websocket stream", logging.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "http server exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "controller shutdown incomplete", logging.Err(err))
	}
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore(kind, dbPath string) (store.Store, func(), error) {
	switch kind {
	case "sqlite":
		s, err := sqlitestore.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func startDemo(ctx context.Context, log logging.Logger, missions *mission.Service, ctl *runtime.Controller) {
	m, err := missions.Create(ctx, "Deliver pallet to loading bay", map[string]any{"x": 15.0, "y": 14.0}, "demo")
	if err != nil {
		log.Warn(ctx, "demo mission create failed", logging.Err(err))
		return
	}
	run, err := ctl.StartRun(ctx, m.ID)
	if err != nil {
		log.Warn(ctx, "demo run start failed", logging.Err(err))
		return
	}
	log.Info(ctx, "demo run started",
		logging.String("mission_id", m.ID),
		logging.String("run_id", run.ID),
	)
}
