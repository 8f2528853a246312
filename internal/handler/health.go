package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// BackendStatus reports on the supervised backend process.
type BackendStatus interface {
	Ready() bool
	PID() int
	Restarts() int
}

// SessionCounter reports the number of open WebSocket sessions.
type SessionCounter interface {
	Active() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	backend  BackendStatus
	sessions SessionCounter
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(backend BackendStatus, sessions SessionCounter, v Version) *HealthHandler {
	return &HealthHandler{backend: backend, sessions: sessions, version: v}
}

// Health answers the platform liveness probe. It never consults the backend.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

type statusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	BackendReady      bool   `json:"backend_ready"`
	BackendPID        int    `json:"backend_pid,omitempty"`
	BackendRestarts   int    `json:"backend_restarts"`
	WebSocketSessions int64  `json:"websocket_sessions"`
}

// Status returns proxy and backend status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:            "ok",
		Version:           string(h.version),
		BackendReady:      h.backend.Ready(),
		BackendPID:        h.backend.PID(),
		BackendRestarts:   h.backend.Restarts(),
		WebSocketSessions: h.sessions.Active(),
	}
	if !resp.BackendReady {
		resp.Status = "starting"
	}
	return c.JSON(http.StatusOK, resp)
}
