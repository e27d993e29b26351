// Package server binds tenant stores and their subscription pipelines to an
// HTTP surface.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhirlite/fhirlite/internal/config"
	"github.com/fhirlite/fhirlite/internal/store"
	"github.com/fhirlite/fhirlite/internal/subscriptions"
)

// Server owns the echo instance, the tenant host, and the per-tenant
// subscription engines and dispatchers.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	echo   *echo.Echo
	host   *store.Host

	engines     []*subscriptions.Engine
	dispatchers []*subscriptions.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full server: one store, engine, dispatcher, and websocket
// hub per configured tenant, mounted under /:route.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "If-None-Exist", "X-Request-ID"},
		}))
	}

	host := store.NewHost(logger)
	srv := &Server{
		cfg:    cfg,
		logger: logger,
		echo:   e,
		host:   host,
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"tenants": host.Routes(),
		})
	})

	for _, tc := range cfg.Tenants {
		st, err := host.AddTenant(store.Tenant{
			Route:         tc.Route,
			FHIRVersion:   tc.FHIRVersion,
			BaseURL:       cfg.BaseURLFor(tc.Route),
			ResourceTypes: tc.ResourceTypes,
		})
		if err != nil {
			return nil, err
		}

		hub := NewSocketHub(logger)
		var engine *subscriptions.Engine
		dispatcher := subscriptions.NewDispatcher(
			cfg.DispatchWorkers, cfg.DispatchQueue, logger,
			subscriptions.WithSocketHub(hub),
			subscriptions.WithErrorHandler(func(id string) {
				engine.ChangeSubscriptionStatus(id, "error")
			}),
		)
		engine = subscriptions.NewEngine(st, dispatcher, logger)
		srv.engines = append(srv.engines, engine)
		srv.dispatchers = append(srv.dispatchers, dispatcher)

		group := e.Group("/" + tc.Route)
		if cfg.AuthEnabled() {
			group.Use(Auth(AuthConfig{
				Secret:   cfg.AuthSecret,
				Issuer:   cfg.AuthIssuer,
				Audience: cfg.AuthAudience,
			}))
		}
		group.GET("/$ws", hub.HandleConnect)

		handler := &tenantHandler{store: st}
		group.Any("", handler.Handle)
		group.Any("/*", handler.Handle)
	}

	return srv, nil
}

// Host exposes the tenant host, mainly for seeding and tests.
func (s *Server) Host() *store.Host { return s.host }

// Start runs the subscription engines, seeds configured load directories,
// and serves HTTP until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, engine := range s.engines {
		s.wg.Add(1)
		go func(e *subscriptions.Engine) {
			defer s.wg.Done()
			e.Run(ctx)
		}(engine)
	}

	s.wg.Add(1)
	go s.tick(ctx)

	for _, tc := range s.cfg.Tenants {
		if tc.LoadDir == "" {
			continue
		}
		if err := s.host.LoadDirectory(ctx, tc.Route, tc.LoadDir); err != nil {
			s.logger.Warn().Err(err).Str("tenant", tc.Route).Msg("seed load not started")
		}
	}

	s.logger.Info().Str("port", s.cfg.Port).Msg("server listening")
	err := s.echo.Start(":" + s.cfg.Port)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// tick drives heartbeat emission and timeout checks for every engine.
func (s *Server) tick(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatTick) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, engine := range s.engines {
				engine.EmitHeartbeats(ctx, now)
				engine.CheckTimeouts(now)
			}
		}
	}
}

// Shutdown stops HTTP, the engines, and the dispatchers in order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.host.Close()
	s.wg.Wait()
	for _, d := range s.dispatchers {
		d.Close()
	}
	return err
}
