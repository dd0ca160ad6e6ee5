package handlers

import (
	"net/http"
	"time"

	"hypergate-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports process liveness and chain readiness.
type HealthHandler struct {
	chain     *services.BlockchainService
	startedAt time.Time
}

func NewHealthHandler(chain *services.BlockchainService) *HealthHandler {
	return &HealthHandler{chain: chain, startedAt: time.Now()}
}

// Live handles GET /health/live. It always answers 200 while the process
// can serve requests at all.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// Ready handles GET /health/ready. Readiness requires a responsive RPC
// endpoint; everything else degrades gracefully.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.chain == nil || !h.chain.Ready(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"chain":  "unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"chain":  "connected",
	})
}
