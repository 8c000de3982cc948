// Package api provides the HTTP REST API of the SMS overlay node
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-sms/pkg/dispatch"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
)

// LinkStatus reports whether the transport link is up
type LinkStatus interface {
	Connected() bool
}

// Server represents the HTTP API server
type Server struct {
	dispatcher *dispatch.Dispatcher
	db         *storage.MessageDB
	link       LinkStatus
	router     *gin.Engine
	host       string
	port       int
	httpServer *http.Server
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	CORSOrigins  []string
	RateLimit    int    // Requests per minute, 0 disables
	APIKeyHash   string // bcrypt hash of the API key, empty disables auth
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8090,
		EnableCORS:   true,
		CORSOrigins:  []string{"*"},
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. link may be nil.
func NewServer(d *dispatch.Dispatcher, db *storage.MessageDB, link LinkStatus, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		dispatcher: d,
		db:         db,
		link:       link,
		router:     gin.New(),
		host:       config.Host,
		port:       config.Port,
		startedAt:  time.Now(),
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	server.setupMiddleware(config)
	server.setupRoutes(config)

	return server
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(config *Config) {
	s.router.Use(gin.Recovery())

	if config.EnableCORS {
		s.router.Use(CORSMiddleware(config.CORSOrigins))
	}

	if config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(config.RateLimit)))
	}

	s.router.Use(LoggingMiddleware())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(config *Config) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if config.APIKeyHash != "" {
		v1.Use(AuthMiddleware(config.APIKeyHash))
	}
	{
		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.GET("/search", s.handleSearch)
			messages.GET("/:id", s.handleGetMessage)
			messages.PUT("/:id", s.handleEditMessage)
			messages.DELETE("/:id", s.handleDeleteMessage)
		}

		threads := v1.Group("/threads")
		{
			threads.GET("", s.handleThreads)
			threads.GET("/:thread/messages", s.handleThreadMessages)
			threads.POST("/:thread/read", s.handleMarkRead)
		}

		contacts := v1.Group("/contacts")
		{
			contacts.GET("", s.handleContacts)
			contacts.PUT("/:thread", s.handleSaveContact)
			contacts.DELETE("/:thread", s.handleDeleteContact)
		}

		// The phone bridge may push over HTTP instead of the websocket
		tr := v1.Group("/transport")
		{
			tr.POST("/inbound", s.handleInbound)
			tr.POST("/events", s.handleTransportEvent)
		}
	}
}

// Start serves HTTP until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"addr":     s.httpServer.Addr,
		}).Info("HTTP API server starting")

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logrus.WithField("function", "Start").Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
