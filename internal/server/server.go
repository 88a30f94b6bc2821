package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-eventpresence/internal/liveness"
	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/presence"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

// PresenceServer owns the connection registry and the components every
// connection shares.
type PresenceServer struct {
	log        zerolog.Logger
	stats      stats.StatsProvider
	registry   *Registry
	dispatcher *Dispatcher
	tracker    *liveness.Tracker
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPresenceServer(store presence.Store, counter Counter, rebroadcast time.Duration, logger zerolog.Logger, su stats.StatsProvider) *PresenceServer {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry(logger, su)
	dispatcher := NewDispatcher(registry, counter, logger, su)

	return &PresenceServer{
		log:        logger,
		stats:      su,
		registry:   registry,
		dispatcher: dispatcher,
		tracker:    liveness.NewTracker(store, dispatcher, dispatcher, rebroadcast, logger, su),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Serve takes ownership of an upgraded connection and starts its pumps.
func (ps *PresenceServer) Serve(conn *websocket.Conn) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	session := ps.tracker.NewSession(ps.ctx, id)
	c := NewClient(id, conn, ps, session)
	if err := ps.registry.Register(c); err != nil {
		session.Disconnect(ps.ctx)
		conn.Close()
		return nil, err
	}

	ps.log.Info().Str(logging.FieldConnectionId, id).Str("remote_addr", conn.RemoteAddr().String()).Msg("connection opened")

	go c.Write()
	go c.Read(ps.ctx)

	return c, nil
}

func (ps *PresenceServer) ViewerCount(ctx context.Context, eventId string) int {
	return ps.dispatcher.ViewerCount(ctx, eventId)
}

func (ps *PresenceServer) PublishAttendeeCount(eventId string, n int) error {
	return ps.dispatcher.PublishAttendeeCount(eventId, n)
}

func (ps *PresenceServer) Connections() int {
	return ps.registry.Len()
}

func (ps *PresenceServer) Shutdown(ctx context.Context) error {
	ps.log.Info().Msg("shutting down presence server")
	err := ps.registry.Shutdown(ctx)
	ps.cancel()
	if err != nil {
		return fmt.Errorf("drain connections: %w", err)
	}

	return nil
}
