package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse reports node health
type HealthResponse struct {
	Status          string  `json:"status"` // "healthy" | "degraded"
	TransportLinked bool    `json:"transport_linked"`
	PendingParts    int     `json:"pending_assemblies"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	linked := s.link == nil || s.link.Connected()

	status := "healthy"
	if !linked {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:          status,
		TransportLinked: linked,
		PendingParts:    s.dispatcher.Buffer().PendingCount(),
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
	})
}
