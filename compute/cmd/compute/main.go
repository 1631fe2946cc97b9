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

	"github.com/taxstream/taxstream/compute/internal/api"
	"github.com/taxstream/taxstream/compute/internal/auth"
	"github.com/taxstream/taxstream/compute/internal/config"
	"github.com/taxstream/taxstream/compute/internal/limit"
	"github.com/taxstream/taxstream/compute/internal/metrics"
	"github.com/taxstream/taxstream/compute/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; defaults and env apply without it)")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("taxstream-compute starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	c := cfg.Compute
	level.Set(c.Level())

	slog.Info("config loaded",
		"listen_addr", c.ListenAddr,
		"database_url", store.Redact(c.DatabaseURL),
		"db_max_conns", c.DBMaxConns,
		"auth_mode", c.Auth.Mode,
		"max_concurrent", c.MaxConcurrent,
		"rate_enabled", c.Rate.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(c.DatabaseURL, store.Options{MaxConns: c.DBMaxConns})
	if err != nil {
		slog.Error("failed to open record store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := store.Provision(ctx, st, c.SchemaTimeout); err != nil {
		slog.Error("record store unavailable", "err", err)
		st.Close()
		os.Exit(1)
	}
	slog.Info("record store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	apiHandler := api.New(st, m, api.Options{
		StoreTimeout: c.StoreTimeout,
		MaxBodyBytes: c.MaxBodyBytes,
	})

	var limiters *limit.Limiters
	if c.Rate.Enabled {
		limiters = limit.NewLimiters(c.Rate.RPS, c.Rate.Burst)
	}

	// Rejections happen before decoding: auth, then rate, then concurrency.
	computeHandler := chain(apiHandler,
		auth.APIKey(c.Auth.Mode, c.Auth.EffectiveHeader(), c.Auth.Key(),
			m.Refused("unauthorized", http.StatusUnauthorized)),
		limit.RateLimit(limiters, c.Rate.TrustXFF,
			m.Refused("rate_limited", http.StatusTooManyRequests)),
		limit.Concurrency(c.MaxConcurrent, c.AcquireTimeout,
			m.Refused("overloaded", http.StatusServiceUnavailable)),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/compute", computeHandler)
	mux.Handle("/healthz", apiHandler)
	mux.Handle("/metrics", metrics.Handler(reg))

	lis, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", c.ListenAddr, "err", err)
		st.Close()
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      c.StoreTimeout + 15*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", lis.Addr().String())
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if limiters != nil {
		g.Go(func() error {
			limiters.Run(gctx, time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("taxstream-compute shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("taxstream-compute stopped with error", "err", err)
		st.Close()
		os.Exit(1)
	}
	slog.Info("taxstream-compute stopped")
}

// chain wraps h so that the first middleware runs first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
