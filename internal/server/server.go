package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imgbuild/internal/batch"
	"imgbuild/internal/models"
	"imgbuild/internal/notify"
	"imgbuild/internal/persist"
)

// History serves the save log.
type History interface {
	ListRecords(ctx context.Context, limit int) ([]models.SaveRecord, error)
}

// Deps are the components the handlers drive. History may be nil.
type Deps struct {
	Coordinator   *batch.Coordinator
	Gateway       *persist.Gateway
	Notifications *notify.Queue
	Revealer      persist.Revealer
	History       History
}

type Server struct {
	cfg        *models.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	log        *zap.Logger
}

func NewServer(cfg *models.Config, deps Deps, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	s := &Server{cfg: cfg, router: r, deps: deps, log: log}

	r.GET("/health", s.handleHealth)

	r.POST("/images", s.handleUpload)
	r.POST("/images/paths", s.handleAddPaths)
	r.GET("/images", s.handleListImages)
	r.DELETE("/images", s.handleClearImages)
	r.GET("/images/:id", s.handleGetImage)
	r.DELETE("/images/:id", s.handleDeleteImage)
	r.POST("/images/:id/reprocess", s.handleReprocess)
	r.POST("/images/:id/reset", s.handleReset)
	r.GET("/images/:id/output", s.handleOutput)
	r.POST("/images/:id/save", s.handleSave)

	r.POST("/process", s.handleProcess)
	r.POST("/save-all", s.handleSaveAll)

	r.GET("/notifications", s.handleListNotifications)
	r.DELETE("/notifications/:id", s.handleDismissNotification)
	r.POST("/notifications/:id/reveal", s.handleRevealNotification)

	r.GET("/history", s.handleHistory)

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A clean Stop is not an error.
func (s *Server) Start() error {
	s.log.Info("server is running", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
