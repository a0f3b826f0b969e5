// Package api exposes the chat router over HTTP.
//
// Endpoints:
//
//	POST /api/chat                          → run one message through the pipeline
//	GET  /api/conversations                 → list the owner's conversations
//	POST /api/conversations                 → create a conversation
//	GET  /api/conversations/{id}/messages   → list a conversation's messages
//	GET  /health                            → liveness probe
//	GET  /ready                             → readiness probe (checks PostgreSQL)
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/relay/internal/chat"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/session"
)

const (
	// DefaultAddr is the default bind address.
	DefaultAddr = ":8080"

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style header trickling.
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout  = 30 * time.Second
	WriteTimeout = 60 * time.Second
	IdleTimeout  = 120 * time.Second
)

// Server is the HTTP server for the chat API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health        *HealthHandler
	chat          *ChatHandler
	conversations *ConversationHandler
}

// NewServer creates a server with all routes registered. sessions may be nil;
// the conversation endpoints then return 503.
func NewServer(svc *chat.Service, sessions *session.Store, pool *pgxpool.Pool, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:           mux,
		logger:        logger,
		health:        NewHealthHandler(pool),
		chat:          NewChatHandler(svc, logger),
		conversations: NewConversationHandler(sessions, logger),
	}
	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.conversations.RegisterRoutes(mux)
	return s
}

// Handler returns the handler with middleware applied.
// Order: recovery → logging → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
