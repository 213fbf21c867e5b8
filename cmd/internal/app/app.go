// Package app wires the Parley server runtime: config, logging, storage
// selection, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
	chatapi "parley/cmd/internal/chat/api"
	"parley/cmd/internal/realtime"
)

// App is the Parley server runtime: it owns storage, the HTTP server wiring
// and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	backend       backend
	closeThrottle func() error

	registry    *prometheus.Registry
	httpMetrics *httpMetrics

	chat    *chat.Service
	chatAPI *chatapi.Handler
	hub     *realtime.Hub
	ws      *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	be, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, cfg, log, be)
	if err != nil {
		_ = be.store.Close(ctx)
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg Config, log Logger, be backend) (*App, error) {
	if len(cfg.DevUsers) > 0 {
		n, err := identity.Seed(ctx, be.users, cfg.DevUsers, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		log.Info("identity.seed", "requested", len(cfg.DevUsers), "created", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpM, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}
	chatM, err := chat.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	wsM, err := realtime.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	throttle, closeThrottle, err := newThrottle(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, wsM)

	opts := []chat.Option{
		chat.WithLogger(log),
		chat.WithNotifier(hub),
		chat.WithMetrics(chatM),
	}
	if cfg.ListConcurrency > 0 {
		opts = append(opts, chat.WithListConcurrency(cfg.ListConcurrency))
	}
	if throttle != nil {
		opts = append(opts, chat.WithThrottle(throttle))
	}
	svc, err := chat.NewService(be.messages, be.users, opts...)
	if err != nil {
		_ = closeThrottle()
		return nil, err
	}

	api, err := chatapi.NewHandler(log, svc, chatapi.LoadConfigFromEnv())
	if err != nil {
		_ = closeThrottle()
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, svc, realtime.LoadConfigFromEnv(), wsM)
	if err != nil {
		_ = closeThrottle()
		return nil, err
	}

	return &App{
		cfg:           cfg,
		log:           log,
		backend:       be,
		closeThrottle: closeThrottle,
		registry:      reg,
		httpMetrics:   httpM,
		chat:          svc,
		chatAPI:       api,
		hub:           hub,
		ws:            ws,
	}, nil
}

// Handler returns the root HTTP handler with all middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backend.ping, a.registry, a.chatAPI, a.ws)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.httpMetrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.name,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.Close(shutdownCtx)
	a.log.Info("server.stopped")
	return nil
}

// Close releases storage and throttle resources. Errors are logged.
func (a *App) Close(ctx context.Context) {
	if err := a.closeThrottle(); err != nil {
		a.log.Error("throttle.close.fail", "err", err)
	}
	if err := a.backend.store.Close(ctx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
