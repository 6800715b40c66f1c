// Package api exposes the session service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"linkgate/internal/metrics"
	"linkgate/internal/phone"
	"linkgate/internal/session"
)

const (
	defaultMaxBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	APIKey       string // empty disables authentication
	MaxBodyBytes int64
	Phone        phone.Normalizer
	MetricsPath  string // empty disables /metrics
	Service      *session.Service
	Logger       *slog.Logger
}

// Server is the gin engine plus its http.Server.
type Server struct {
	opts   Options
	svc    *session.Service
	engine *gin.Engine
	logger *slog.Logger
	server *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.Phone.CountryCode == "" {
		opts.Phone = phone.Normalizer{CountryCode: phone.DefaultCountryCode, LocalLength: phone.DefaultLocalLength}
	}
	s := &Server{
		opts:   opts,
		svc:    opts.Service,
		logger: opts.Logger,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.accessLog())

	r.GET("/health", s.health)
	if s.opts.MetricsPath != "" {
		r.GET(s.opts.MetricsPath, gin.WrapF(metrics.Collector.Handler()))
	}

	api := r.Group("/api", s.requireAPIKey(), s.limitBody())
	api.GET("/status/:token", s.status)
	api.POST("/qr/:token", s.qr)
	api.POST("/reset/:token", s.reset)
	api.POST("/disconnect/:token", s.disconnect)
	api.POST("/send-bulk-messages", s.sendBulk)
	api.POST("/send-event-messages", s.sendEvent)
	api.POST("/send-task-messages", s.sendTask)
	api.GET("/queue/:token", s.queue)
	api.POST("/clear-queue/:token", s.clearQueue)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr, "auth", s.opts.APIKey != "")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
