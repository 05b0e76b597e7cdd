// netemd is the network emulation session daemon. It serves the
// session API and per-consumer event streams over HTTP/WebSocket, and
// Prometheus metrics on a separate listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/netfabriclabs/netem-core/config"
	"github.com/netfabriclabs/netem-core/internal/gateway"
	"github.com/netfabriclabs/netem-core/internal/logging"
	"github.com/netfabriclabs/netem-core/internal/observability"
	"github.com/netfabriclabs/netem-core/internal/session"
	"github.com/netfabriclabs/netem-core/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	traceShutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	metricsSrv := serveMetrics(cfg.Metrics.ListenAddr, collector, log)

	manager := session.NewManager(log,
		session.WithManagerMetrics(collector),
		session.WithSessionOptions(
			session.WithPolicy(session.Policy{AllowRuntimeEdits: cfg.Session.AllowRuntimeEdits}),
			session.WithMetricsRecorder(collector),
			session.WithBroadcastMetrics(collector),
		),
	)

	gw := gateway.NewServer(manager, log,
		gateway.WithStreamOptions(
			stream.WithQueueSize(cfg.Stream.QueueSize),
			stream.WithPollTimeout(cfg.Stream.PollTimeout.Std()),
			stream.WithMetricsRecorder(collector),
		),
	)

	srv := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: collector.Middleware(gw.Handler()),
	}

	log.Info(ctx, "starting gateway", logging.String("addr", cfg.Gateway.ListenAddr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "gateway exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(context.Background(), traceShutdown, log)
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
