package http

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"lecturecast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// HealthReporter is the subset of the health checker the probes use.
type HealthReporter interface {
	Liveness() monitoring.HealthStatus
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

// SystemHandler serves probes, metrics and the HLS output tree.
type SystemHandler struct {
	health  HealthReporter
	metrics http.Handler
	hlsRoot string
}

// NewSystemHandler builds the handler. A nil metrics handler or an empty
// hlsRoot leaves the corresponding route out.
func NewSystemHandler(health HealthReporter, metrics http.Handler, hlsRoot string) *SystemHandler {
	return &SystemHandler{
		health:  health,
		metrics: metrics,
		hlsRoot: hlsRoot,
	}
}

func (h *SystemHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
	if h.hlsRoot != "" {
		hls := router.Group("/hls", hlsHeaders())
		hls.Static("/", h.hlsRoot)
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Liveness())
}

func (h *SystemHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// hlsHeaders keeps playlists fresh and lets segments be cached.
func hlsHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch strings.ToLower(filepath.Ext(c.Request.URL.Path)) {
		case ".m3u8":
			c.Header("Cache-Control", "no-cache, no-store")
			c.Header("Content-Type", "application/vnd.apple.mpegurl")
		case ".ts":
			c.Header("Cache-Control", "public, max-age=60")
			c.Header("Content-Type", "video/mp2t")
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}
