package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/taxstream/taxstream/ingest/internal/config"
	"github.com/taxstream/taxstream/ingest/internal/forwarder"
	"github.com/taxstream/taxstream/ingest/internal/gateway"
	"github.com/taxstream/taxstream/ingest/internal/metrics"
	"github.com/taxstream/taxstream/ingest/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; defaults and env apply without it)")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("taxstream-ingest starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	c := cfg.Ingest
	level.Set(c.Level())

	slog.Info("config loaded",
		"listen_addr", c.ListenAddr,
		"compute_url", c.ComputeURL,
		"max_inflight", c.MaxInflight,
		"idle_timeout", c.IdleTimeout,
		"stats_enabled", c.Stats.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Stats are best-effort: an unreachable Redis disables them, never the gateway.
	var rec stats.Recorder = stats.Nop{}
	if c.Stats.Enabled {
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		rdb, err := stats.Dial(pingCtx, c.Stats.RedisAddr, c.Stats.Password(), c.Stats.DB)
		pingCancel()
		if err != nil {
			slog.Warn("stats disabled", "err", err)
		} else {
			defer rdb.Close()
			rec = stats.NewRedis(rdb, c.Stats.Prefix, c.Stats.TTL)
			slog.Info("stats enabled", "redis_addr", c.Stats.RedisAddr, "prefix", c.Stats.Prefix)
		}
	}

	fwd := forwarder.New(forwarder.Options{
		URL:         c.ComputeURL,
		Timeout:     c.ForwardTimeout,
		MaxInflight: c.MaxInflight,
		AuthHeader:  c.ComputeAuth.EffectiveHeader(),
		AuthKey:     c.ComputeAuth.Key(),
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: c.MaxInflight,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Metrics: m,
		Stats:   rec,
	})

	gw := gateway.New(fwd, gateway.Options{
		ReadLimit:   c.ReadLimit,
		IdleTimeout: c.IdleTimeout,
		Metrics:     m,
		Stats:       rec,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/", gw)

	lis, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", c.ListenAddr, "err", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("WebSocket gateway listening", "addr", lis.Addr().String())
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		gw.Run(gctx)
		return nil
	})

	// Hot reload applies log_level only.
	if *configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, *configPath, c, func(updated *config.Config, restartOnly []string) {
				level.Set(updated.Ingest.Level())
				slog.Info("log level applied", "level", updated.Ingest.LogLevel)
				if len(restartOnly) > 0 {
					slog.Warn("config changes need a restart", "fields", restartOnly)
				}
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("taxstream-ingest shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown; the
		// gateway closes them from Run and is waited on separately.
		err := httpSrv.Shutdown(shutdownCtx)
		if werr := gw.Wait(shutdownCtx); werr != nil {
			slog.Warn("gateway did not drain", "err", werr)
		}
		if werr := fwd.Wait(shutdownCtx); werr != nil {
			slog.Warn("forwards abandoned", "err", werr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("taxstream-ingest stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("taxstream-ingest stopped")
}
