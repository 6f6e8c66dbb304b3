// Package v1 exposes the conversation API: REST for lifecycle and snapshots,
// SSE for event streaming, and JSON-RPC over WebSocket for agents.
package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/server/auth"
	"github.com/jmandel/banterop-sub006/store"
)

type APIV1Service struct {
	Profile      *profile.Profile
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator

	logger *slog.Logger
}

func NewAPIV1Service(instanceProfile *profile.Profile, storeInstance *store.Store, orc *orchestrator.Orchestrator) *APIV1Service {
	return &APIV1Service{
		Profile:      instanceProfile,
		Store:        storeInstance,
		Orchestrator: orc,
		logger:       slog.Default().With("component", "api/v1"),
	}
}

// Register mounts all v1 routes behind the bearer-token middleware.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	g := echoServer.Group("/api/v1", auth.Middleware(s.Profile.AuthToken))

	g.POST("/conversations", s.CreateConversation)
	g.GET("/conversations", s.ListConversations)
	g.GET("/conversations/:id", s.GetConversation)
	g.POST("/conversations/:id/start", s.StartConversation)
	g.POST("/conversations/:id/end", s.EndConversation)
	g.GET("/conversations/:id/attachments/:docId", s.GetAttachment)
	g.GET("/conversations/:id/events", s.StreamEvents)

	g.GET("/ws", s.HandleWebSocket)
}

// httpError maps the orchestrator error taxonomy onto HTTP statuses.
func httpError(err error) *echo.HTTPError {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case orchestrator.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case orchestrator.KindInvalidArgument:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case orchestrator.KindTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
