// Package api exposes the memory store over HTTP. It is a thin facade:
// request decoding, status mapping, and nothing else. All semantics live
// in the coordinator.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallstack/recall/pkg/memory/unified"
	"github.com/recallstack/recall/pkg/observability"
)

// Server wraps the HTTP listener around the coordinator.
type Server struct {
	store  *unified.UnifiedStore
	engine *gin.Engine
	http   *http.Server
	logger observability.Logger
}

// Config configures the HTTP server.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// NewServer builds the router over the coordinator.
func NewServer(cfg Config, store *unified.UnifiedStore, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:  store,
		engine: engine,
		logger: logger.WithPrefix("api"),
		http: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/memories", s.handleStore)
		v1.POST("/memories/query", s.handleQuery)
		v1.GET("/memories/recent", s.handleRecent)
		v1.GET("/memories/:id", s.handleGet)
		v1.DELETE("/memories/:id", s.handleDelete)
		v1.PUT("/memories/:id/importance", s.handleUpdateImportance)

		admin := v1.Group("/admin")
		{
			admin.GET("/providers", s.handleProviders)
			admin.GET("/stats", s.handleStats)
			admin.PUT("/dedup/mode", s.handleSetDedupMode)
			admin.GET("/dedup/reviews", s.handleDedupReviews)
			admin.POST("/dedup/false-positive", s.handleFalsePositive)
			admin.POST("/hashes/rebuild", s.handleRebuildHashes)
			admin.POST("/providers/:name/resync", s.handleResync)
		}
	}
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.http.Addr})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
