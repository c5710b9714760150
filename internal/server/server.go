// Package server exposes the venue core over HTTP: order intake, order
// cancellation, book queries, system health, and prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forecastex/forecastex/internal/config"
	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/engine"
)

// Server is the HTTP API server.
type Server struct {
	engine  *engine.Engine
	monitor *consensus.Monitor
	logger  *zap.Logger
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, eng *engine.Engine, monitor *consensus.Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: eng, monitor: monitor, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.handleSubmitOrder)
		v1.DELETE("/orders/:id", s.handleCancelOrder)
		v1.GET("/orderbook", s.handleOrderBook)
		v1.POST("/markets", s.handleCreateMarket)
		v1.GET("/markets/:id", s.handleGetMarket)
		v1.GET("/system/health", s.handleHealth)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
