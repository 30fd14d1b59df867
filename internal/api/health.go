package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/inference"
)

const healthCheckTimeout = 2 * time.Second

// Health statuses
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version,omitempty"`
	Uptime        string               `json:"uptime"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Timestamp     string               `json:"timestamp"`
	Database      ComponentHealth      `json:"database"`
	Model         *inference.ModelInfo `json:"model,omitempty"`
	StreamClients int                  `json:"stream_clients"`
}

// ComponentHealth reports one dependency
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// health handles GET /health. It answers 503 when the store is unreachable.
func (s *Server) health(c echo.Context) error {
	uptime := time.Since(s.startTime)
	resp := HealthResponse{
		Status:        StatusHealthy,
		Version:       s.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Database:      ComponentHealth{Status: "connected"},
		StreamClients: s.hub.count(),
	}

	if s.model != nil {
		info := s.model.Info()
		resp.Model = &info
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = StatusDegraded
		resp.Database = ComponentHealth{Status: "disconnected", Error: publicMessage(err, "database unreachable", s.cfg.Debug)}
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
