// Package web provides a lightweight web dashboard.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

// Server is the web server.
type Server struct {
	db     *storage.DB
	config *util.Config
	port   int
	srv    *http.Server
}

// NewServer creates a new web server.
func NewServer(db *storage.DB, cfg *util.Config, port int) *Server {
	return &Server{
		db:     db,
		config: cfg,
		port:   port,
	}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.SetHTMLTemplate(getDashboardTemplate())

	h := NewHandlers(s.db, s.config)

	router.GET("/", h.Dashboard)
	router.GET("/report/:id", h.DownloadReport)

	api := router.Group("/api")
	{
		api.GET("/status", h.APIGetStatus)
		api.GET("/sessions", h.APIListSessions)
		api.GET("/sessions/:id", h.APIGetSession)
		api.GET("/sessions/:id/targets", h.APIGetTargets)
		api.GET("/sessions/:id/targets/:mac", h.APIGetTarget)
	}
	return router
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	util.Info("Web server starting on port %d", s.port)

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the web server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
