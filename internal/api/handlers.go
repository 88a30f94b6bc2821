package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-eventpresence/internal/liveness"
	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/server"
)

const healthTimeout = 2 * time.Second

type HealthResponse struct {
	Status string `json:"status"`
}

type ViewerCountResponse struct {
	EventId        string `json:"event_id"`
	CurrentViewers int    `json:"current_viewers"`
}

type AttendeeCountRequest struct {
	AttendeeCount *int `json:"attendee_count"`
}

type AttendeeCountResponse struct {
	EventId       string `json:"event_id"`
	AttendeeCount int    `json:"attendee_count"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.log).Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := s.health.Ping(ctx); err != nil {
			s.writeError(w, r, NewServiceUnavailableError(err))
			return
		}
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) eventId(r *http.Request) (string, error) {
	eventId := mux.Vars(r)["eventId"]
	if !liveness.ValidId(eventId) {
		return "", fmt.Errorf("%w: event id %q", liveness.ErrInvalidIdentity, eventId)
	}
	return eventId, nil
}

func (s *Server) getViewers(w http.ResponseWriter, r *http.Request) {
	eventId, err := s.eventId(r)
	if err != nil {
		s.writeError(w, r, NewBadRequestError(err))
		return
	}

	s.writeJson(w, http.StatusOK, ViewerCountResponse{
		EventId:        eventId,
		CurrentViewers: s.presence.ViewerCount(r.Context(), eventId),
	})
}

func (s *Server) publishAttendees(w http.ResponseWriter, r *http.Request) {
	eventId, err := s.eventId(r)
	if err != nil {
		s.writeError(w, r, NewBadRequestError(err))
		return
	}

	var req AttendeeCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, NewBadRequestError(err))
		return
	}
	if req.AttendeeCount == nil {
		s.writeError(w, r, NewBadRequestError(errors.New("attendee_count is required")))
		return
	}

	if err := s.presence.PublishAttendeeCount(eventId, *req.AttendeeCount); err != nil {
		var errResp *ApiError
		if errors.Is(err, server.ErrInvalidAttendeeCount) || errors.Is(err, liveness.ErrInvalidIdentity) {
			errResp = NewBadRequestError(err)
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeError(w, r, errResp)
		return
	}

	s.writeJson(w, http.StatusAccepted, AttendeeCountResponse{
		EventId:       eventId,
		AttendeeCount: *req.AttendeeCount,
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context(), s.log).Warn().Err(err).Msg("upgrade connection")
		return
	}

	if _, err := s.presence.Serve(conn); err != nil {
		logging.FromContext(r.Context(), s.log).Error().Err(err).Msg("serve connection")
	}
}
