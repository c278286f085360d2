package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/app"
	"github.com/wavechat/wavechat/internal/handlers"
	"github.com/wavechat/wavechat/internal/middleware"
	"github.com/wavechat/wavechat/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(db *gorm.DB, cfg *app.Config, gateway *handlers.ChatGateway, cache *services.CacheService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if gateway == nil {
		return nil, fmt.Errorf("chat gateway must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Realtime endpoint
	r.GET("/ws", gateway.Serve)

	if cfg.Monitoring.Health.Enabled {
		healthHandler := handlers.NewHealthHandler(db)
		r.GET("/api/health", healthHandler.Health)
	}

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	roomsHandler := handlers.NewRoomsHandler(db, cache)
	r.GET("/api/rooms", roomsHandler.List)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
