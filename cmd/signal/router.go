package main

import (
	"net/http"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/internal/core/services"
	httphandlers "callguard/internal/handlers/http"
	"callguard/internal/infrastructure/middleware"
	"callguard/internal/infrastructure/monitoring"
	"callguard/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routerDeps struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	auth      services.AuthService
	admin     ports.AdminService
	ws        http.HandlerFunc
	health    *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
	startTime time.Time
}

func newRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(d.log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(d.log),
		middleware.NewHTTPRateLimitMiddleware(d.cfg),
	)

	router.GET("/ws",
		middleware.NewWebSocketConnectLimitMiddleware(d.cfg),
		middleware.AuthMiddleware(d.auth),
		gin.WrapF(d.ws),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(d.startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := d.health.GetReadinessStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if d.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))
	}

	httphandlers.NewICEHandler(d.cfg.WebRTC.ICEServers, d.log).SetupRoutes(router)

	if d.cfg.Auth.IssueEndpoint {
		httphandlers.NewAuthHandler(d.auth, int(d.cfg.Auth.AccessTokenTTL.Seconds())).SetupRoutes(router)
		d.log.Warnw("token issue endpoint enabled, do not expose in production")
	}

	admin := router.Group("/api/v1/admin",
		middleware.AuthMiddleware(d.auth),
		middleware.RequireRole(d.auth, domain.RoleAdmin),
	)
	httphandlers.NewAdminHandler(d.admin).SetupRoutes(admin)

	return router
}
