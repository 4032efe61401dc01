package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"splitsend/internal/config"
	"splitsend/internal/dispatch"
	"splitsend/internal/experiment"
	"splitsend/internal/httpapi"
	"splitsend/internal/logging"
	"splitsend/internal/observability"
	"splitsend/internal/provider/waha"
	"splitsend/internal/ratelimit"
	"splitsend/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	gateway := &waha.Client{
		BaseURL: cfg.WAHABaseURL,
		APIKey:  cfg.WAHAAPIKey,
		HTTP:    &http.Client{Timeout: time.Duration(cfg.SendTimeoutSecs+2) * time.Second},
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "waha",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	limiter := &ratelimit.Limiter{
		Store: st,
		Limits: ratelimit.Limits{
			PerHour:  cfg.RateLimitHour,
			PerDay:   cfg.RateLimitDay,
			Cooldown: time.Duration(cfg.BatchCooldownMin) * time.Minute,
		},
	}

	dispatcher := &dispatch.Dispatcher{
		Store:       st,
		Sender:      gateway,
		Breaker:     cb,
		Pacer:       rate.NewLimiter(rate.Every(time.Duration(cfg.SendDelaySecs)*time.Second), 1),
		SendTimeout: time.Duration(cfg.SendTimeoutSecs) * time.Second,
	}

	svc := &experiment.Service{
		Store:      st,
		Sessions:   gateway,
		Limiter:    limiter,
		Dispatcher: dispatcher,
	}

	s := httpapi.New()
	api := &httpapi.API{Svc: svc}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	s.Mux.Use(httpapi.Metrics(observability.APIRequests))

	handler := httpapi.Logging(s.Mux)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
