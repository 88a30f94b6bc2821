package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-eventpresence/internal/config"
	"github.com/npezzotti/go-eventpresence/internal/server"
	"github.com/rs/zerolog"
)

// Presence is the engine the HTTP surface fronts.
type Presence interface {
	Serve(conn *websocket.Conn) (*server.Client, error)
	ViewerCount(ctx context.Context, eventId string) int
	PublishAttendeeCount(eventId string, n int) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log            zerolog.Logger
	presence       Presence
	health         Pinger
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewServer(router *mux.Router, logger zerolog.Logger, presence Presence, health Pinger, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		presence:       presence,
		health:         health,
		signingKey:     cfg.Auth.SigningKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	router.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/events/{eventId}/viewers", s.getViewers).Methods(http.MethodGet)
	router.Handle("/api/events/{eventId}/attendees", s.serviceAuth(s.publishAttendees)).Methods(http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(router)

	h = s.requestLogger(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting http server")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down http server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
