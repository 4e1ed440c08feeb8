package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/obsidianstack/ciwatch/server/internal/api"
	"github.com/obsidianstack/ciwatch/server/internal/auth"
	"github.com/obsidianstack/ciwatch/server/internal/bus"
	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/events"
	"github.com/obsidianstack/ciwatch/server/internal/probe"
	"github.com/obsidianstack/ciwatch/server/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// busBuffer is the subscription depth of each external sink.
const busBuffer = 256

func runServe(ctx context.Context) error {
	slog.Info("ciwatch-server starting", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Log.SlogLevel())

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"upstream", cfg.Upstream.URL,
		"storage", cfg.Storage.Backend,
		"sync_interval", cfg.Sync.Interval,
	)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	stopSinks := startSinks(cfg.Bus, a.events)
	defer stopSinks()

	go func() {
		if err := config.Watch(ctx, configPath, a.reload); err != nil {
			slog.Warn("config: hot reload disabled", "err", err)
		}
	}()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		a.engine.Run(ctx)
	}()

	hub := ws.New(a.events)
	go hub.Run(ctx)

	// gRPC: health probe only, behind the API key interceptors.
	guard := auth.New(cfg.Server.Auth)
	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(guard.UnaryInterceptor()),
		grpc.StreamInterceptor(guard.StreamInterceptor()),
	)
	hp := probe.New(a.engine)
	hp.Register(grpcSrv)
	go hp.Run(ctx, probe.DefaultPollInterval)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	go func() {
		slog.Info("gRPC health probe listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.New(api.Deps{
			Store:      a.store,
			Sync:       a.engine,
			Alerts:     a.tracker,
			Prober:     a.jenkins,
			Mailer:     a.adviceMailer(),
			Guard:      guard,
			Metrics:    a.registry,
			Stream:     hub,
			WindowDays: cfg.Metrics.WindowDays,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("ciwatch-server shutting down")

	// A scheduled cycle already running is allowed to finish.
	bg.Wait()
	grpcSrv.GracefulStop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "err", err)
	}
	return nil
}

// startSinks subscribes each configured external sink to bc. A sink that
// cannot be created is logged and skipped. The returned stop func closes the
// broadcaster, waits for every sink to drain its subscription and closes it.
func startSinks(cfg config.BusConfig, bc *events.Broadcaster) (stop func()) {
	var sinks []bus.Sink
	if cfg.Kafka.Enabled() {
		if k, err := bus.NewKafka(cfg.Kafka); err != nil {
			slog.Error("bus: kafka disabled", "err", err)
		} else {
			sinks = append(sinks, k)
		}
	}
	if cfg.NATS.Enabled() {
		if n, err := bus.NewNATS(cfg.NATS); err != nil {
			slog.Error("bus: nats disabled", "err", err)
		} else {
			sinks = append(sinks, n)
		}
	}
	var wg sync.WaitGroup
	for _, s := range sinks {
		sub := bc.Subscribe(busBuffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Forward(sub, s)
		}()
		slog.Info("bus: forwarding events", "sink", s.Name())
	}

	return func() {
		bc.Close()
		wg.Wait()
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				slog.Warn("bus: close failed", "sink", s.Name(), "err", err)
			}
		}
	}
}
