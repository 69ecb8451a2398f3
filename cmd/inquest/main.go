package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/inquest/internal/config"
	"github.com/swarmguard/inquest/internal/investigation"
	"github.com/swarmguard/inquest/internal/logging"
	"github.com/swarmguard/inquest/internal/orchestrate"
	"github.com/swarmguard/inquest/internal/otelinit"
	"github.com/swarmguard/inquest/internal/policy"
	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/relay"
	"github.com/swarmguard/inquest/internal/retention"
	"github.com/swarmguard/inquest/internal/server"
	"github.com/swarmguard/inquest/internal/store"
	"github.com/swarmguard/inquest/internal/worker"
)

const service = "inquest"

// providerEnv maps worker kinds to the env var naming their upstream
// endpoint. Kinds without an endpoint run on the built-in static provider,
// which keeps a single-node dev setup fully functional.
var providerEnv = map[investigation.WorkerKind]string{
	investigation.WorkerDevice:   "SWARM_INQUEST_DEVICE_URL",
	investigation.WorkerLocation: "SWARM_INQUEST_LOCATION_URL",
	investigation.WorkerNetwork:  "SWARM_INQUEST_NETWORK_URL",
	investigation.WorkerLogs:     "SWARM_INQUEST_LOGS_URL",
	investigation.WorkerRisk:     "SWARM_INQUEST_RISK_URL",
}

func main() {
	log := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	cfg := config.FromEnv()
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Error("create data dir failed", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := progress.NewHub(cfg.SubscriberBuf)

	// Every committed event is mirrored to the durable store; NATS mirroring
	// is added below when a broker is configured.
	hub.AddSink(func(ev investigation.ProgressEvent) {
		if err := st.AppendEvent(context.Background(), ev); err != nil {
			log.Warn("persist event failed", "investigation_id", ev.InvestigationID, "error", err)
		}
	})

	rl, err := relay.Connect(cfg.NATSURL, logging.Component("relay"))
	if err != nil {
		log.Error("relay connect failed", "url", cfg.NATSURL, "error", err)
		os.Exit(1)
	}
	if rl != nil {
		defer rl.Close()
		hub.AddSink(func(ev investigation.ProgressEvent) {
			rl.Publish(context.Background(), ev)
		})
	}

	registry := worker.NewRegistry(buildAdapters(log)...)

	orch := orchestrate.New(st, hub, registry, orchestrate.Options{
		WorkerTimeout:      cfg.WorkerTimeout,
		GlobalTimeout:      cfg.InvestigationTimeout,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
	}, logging.Component("orchestrate"))

	gate := policy.NewGate(cfg.PolicyDir, logging.Component("policy"))
	if err := gate.Load(ctx); err != nil {
		log.Error("policy load failed", "dir", cfg.PolicyDir, "error", err)
		os.Exit(1)
	}
	if err := gate.Watch(ctx); err != nil {
		log.Warn("policy watch unavailable", "error", err)
	}

	sweeper := retention.NewSweeper(st, hub, cfg.ArchiveAfter, cfg.EventRetention, logging.Component("retention"))
	if err := sweeper.Start(cfg.RetentionSweep); err != nil {
		log.Error("start sweeper failed", "error", err)
		os.Exit(1)
	}

	api := server.New(orch, hub, st, gate, logging.Component("server"))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	log.Info("service started", "addr", cfg.ListenAddr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	orch.Drain(ctxSd)
	sweeper.Stop()
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	log.Info("shutdown complete")
}

// buildAdapters configures one adapter per worker kind, backed by an HTTP
// provider when an endpoint is set and by the static provider otherwise.
func buildAdapters(log *slog.Logger) []worker.Adapter {
	constructors := map[investigation.WorkerKind]func(worker.Provider) worker.Adapter{
		investigation.WorkerDevice:   worker.NewDeviceAdapter,
		investigation.WorkerLocation: worker.NewLocationAdapter,
		investigation.WorkerNetwork:  worker.NewNetworkAdapter,
		investigation.WorkerLogs:     worker.NewLogsAdapter,
		investigation.WorkerRisk:     worker.NewRiskAdapter,
	}

	adapters := make([]worker.Adapter, 0, len(constructors))
	for _, kind := range investigation.AllWorkerKinds {
		build := constructors[kind]
		var provider worker.Provider
		if endpoint := os.Getenv(providerEnv[kind]); endpoint != "" {
			provider = worker.NewHTTPProvider(endpoint, nil)
			log.Info("worker provider configured", "kind", string(kind), "endpoint", endpoint)
		} else {
			provider = worker.NewStaticProvider(map[string]any{
				"score":    0.0,
				"entities": map[string]any{},
				"source":   "static",
			})
			log.Info("worker provider defaulted to static", "kind", string(kind))
		}
		adapters = append(adapters, build(provider))
	}
	return adapters
}
