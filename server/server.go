// Package server assembles the HTTP surface: REST + SSE + WebSocket JSON-RPC
// on one echo instance, with health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/orchestrator"
	apiv1 "github.com/jmandel/banterop-sub006/server/router/api/v1"
	"github.com/jmandel/banterop-sub006/store"
)

type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile
	store      *store.Store

	Orchestrator *orchestrator.Orchestrator
	apiV1        *apiv1.APIV1Service
}

func NewServer(_ context.Context, instanceProfile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	if instanceProfile == nil {
		return nil, errors.New("profile is required")
	}

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.CORS())
	echoServer.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	orc := orchestrator.New(storeInstance, slog.Default())

	s := &Server{
		echoServer:   echoServer,
		profile:      instanceProfile,
		store:        storeInstance,
		Orchestrator: orc,
	}

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	echoServer.GET("/metrics", echo.WrapHandler(orc.Metrics().Handler()))

	s.apiV1 = apiv1.NewAPIV1Service(instanceProfile, storeInstance, orc)
	s.apiV1.Register(echoServer)

	return s, nil
}

// Start begins serving in the background. Listener errors other than a clean
// shutdown are logged.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

// Shutdown drains HTTP connections and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("banterop stopped properly")
}
