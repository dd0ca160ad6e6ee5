package router

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/handlers"
	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware validates the Origin header against the configured list.
// A single "*" entry allows everything.
func corsMiddleware(cfg *config.CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0 ||
		(len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			allowed := false
			for _, candidate := range cfg.AllowedOrigins {
				if strings.TrimSpace(candidate) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else {
				logrus.WithFields(logrus.Fields{
					"origin": origin,
					"path":   c.Request.URL.Path,
				}).Warn("CORS: origin not in allowlist")
			}
		}

		if cfg.AllowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestMetrics records latency per route template and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			route,
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// Dependencies carries everything the router needs.
type Dependencies struct {
	Config    *config.Config
	Transfers *handlers.TransferHandler
	Health    *handlers.HealthHandler
	Limiters  *middleware.RateLimiters
}

// New builds the gin engine with all routes registered.
func New(deps Dependencies) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestMetrics())
	engine.Use(corsMiddleware(&deps.Config.CORS))
	engine.Use(middleware.RateLimitByIP(deps.Limiters.General))

	engine.GET("/health/live", deps.Health.Live)
	engine.GET("/health/ready", deps.Health.Ready)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := middleware.NewIPAllowlist(deps.Config.Admin.AllowedIPs)

	api := engine.Group("/api")
	{
		transfers := api.Group("/transfers")
		{
			transfers.POST("",
				middleware.RateLimitByIP(deps.Limiters.Transfer),
				middleware.RateLimitByWallet(deps.Limiters.Wallet),
				deps.Transfers.CreateTransfer)
			transfers.GET("/stats", deps.Transfers.GetStats)
			transfers.GET("/recent", admin.Restrict(), deps.Transfers.GetRecent)
			transfers.GET("/user/:address", middleware.RateLimitByWallet(deps.Limiters.Wallet), deps.Transfers.ListUserTransfers)
			transfers.GET("/:id", deps.Transfers.GetTransfer)
			transfers.PATCH("/:id/status", middleware.RateLimitByIP(deps.Limiters.Sensitive), deps.Transfers.UpdateStatus)
			transfers.POST("/:id/bridge-success", middleware.RateLimitByIP(deps.Limiters.Sensitive), deps.Transfers.ConfirmBridgeSuccess)
			transfers.POST("/:id/l1-success", middleware.RateLimitByIP(deps.Limiters.Sensitive), deps.Transfers.ConfirmDepositSuccess)
		}

		api.POST("/verify", middleware.RateLimitByIP(deps.Limiters.Sensitive), deps.Transfers.VerifyTransaction)
	}

	engine.GET("/ws/:address", deps.Transfers.SubscribeWebSocket)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "route not found",
		})
	})

	return engine
}
