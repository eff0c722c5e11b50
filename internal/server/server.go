// Package server exposes the screening system over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/mindcheck/internal/auth"
	"github.com/TobiSchelling/mindcheck/internal/chat"
	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/detector"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/narrative"
	"github.com/TobiSchelling/mindcheck/internal/screening"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

// Deps are the services the handlers call.
type Deps struct {
	DB          *database.DB
	Auth        *auth.Service
	Chat        *chat.Service
	Screening   *screening.Service
	Detector    *detector.Detector
	Narrative   *narrative.Service
	Summary     *summary.Aggregator
	CORSOrigins []string
	Log         *logger.Logger
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	log    *logger.Logger
	engine *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	log := deps.Log.With("component", "server")
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID(), RequestLogger(log))
	if len(deps.CORSOrigins) > 0 {
		engine.Use(CORS(deps.CORSOrigins))
	}

	s := &Server{deps: deps, log: log, engine: engine}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		RespondOK(c, gin.H{"status": "ok"})
	})

	a := s.engine.Group("/auth")
	a.POST("/register", s.handleRegister)
	a.POST("/login", s.handleLogin)

	protected := s.engine.Group("/", RequireAuth(s.deps.Auth))
	protected.POST("/chat", s.handleChat)
	protected.GET("/chat/history", s.handleChatHistory)

	as := protected.Group("/assessment")
	as.GET("/summary", s.handleSummary)
	as.GET("/risk-alert", s.handleRiskAlert)
	as.GET("/detections", s.handleDetections)
	as.GET("/report", s.handleReport)
	as.GET("/phq9/history", s.handleNarrativeHistory)
	as.GET("/phq9/latest", s.handleNarrativeLatest)
	as.POST("/phq9/narrative", s.handleNarrative)
	as.GET("/phq9/conversational/status", s.handleConversationalStatus)
	as.GET("/phq9/conversational/history", s.handleConversationalHistory)
	as.DELETE("/phq9/conversational/cancel", s.handleConversationalCancel)
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests for up to grace.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", "http://"+addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
