package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/presence"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
)

const DefaultRebroadcastInterval = 5 * time.Second

// Broadcaster publishes the current viewer count of an event.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventId string)
}

// Rooms records which event a connection is watching.
type Rooms interface {
	Watch(connectionId, eventId string)
	Unwatch(connectionId, eventId string)
}

type Tracker struct {
	store    presence.Store
	bc       Broadcaster
	rooms    Rooms
	interval time.Duration
	log      zerolog.Logger
	stats    stats.StatsProvider
}

func NewTracker(store presence.Store, bc Broadcaster, rooms Rooms, interval time.Duration, logger zerolog.Logger, su stats.StatsProvider) *Tracker {
	if interval <= 0 {
		interval = DefaultRebroadcastInterval
	}
	su.RegisterMetric(stats.NumWatchers)

	return &Tracker{
		store:    store,
		bc:       bc,
		rooms:    rooms,
		interval: interval,
		log:      logger,
		stats:    su,
	}
}

// NewSession starts the state machine for one connection. The session scope
// ends when parent is cancelled or the session disconnects.
func (t *Tracker) NewSession(parent context.Context, connectionId string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		tracker:      t,
		connectionId: connectionId,
		scope:        ctx,
		cancelScope:  cancel,
		log:          t.log.With().Str(logging.FieldConnectionId, connectionId).Logger(),
	}
}

// Session serializes the join/heartbeat/leave/disconnect transitions of one
// connection. No other connection may touch it.
type Session struct {
	tracker      *Tracker
	connectionId string
	log          zerolog.Logger

	scope       context.Context
	cancelScope context.CancelFunc

	mu    sync.Mutex
	state ConnectionState
	task  *rebroadcastTask
}

func (s *Session) ConnectionId() string {
	return s.connectionId
}

// State returns a copy of the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Join(ctx context.Context, id Identity) error {
	if err := ValidateIdentity(id); err != nil {
		s.log.Warn().Err(err).Msg("join dropped")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State == Disconnected {
		return ErrDisconnected
	}

	tracked := id.Role == RoleStudent
	if s.state.State == Watching {
		if s.state.EventId == id.EventId && s.state.UserId == id.UserId && s.state.Tracked == tracked {
			s.stopTaskLocked()
		} else {
			s.log.Debug().Str(logging.FieldEventId, s.state.EventId).Msg("leaving previous event")
			s.leaveLocked(ctx)
		}
	}

	t := s.tracker
	if tracked {
		if _, err := t.store.Upsert(ctx, id.EventId, id.UserId, s.connectionId); err != nil {
			// heartbeats re-assert the record once the store recovers
			t.stats.Incr(stats.StoreErrors)
			s.log.Error().Err(err).Str(logging.FieldEventId, id.EventId).Msg("upsert viewer")
		}
	}

	wasTracked := s.state.State == Watching && s.state.Tracked
	s.state = ConnectionState{
		State:   Watching,
		EventId: id.EventId,
		UserId:  id.UserId,
		Role:    id.Role,
		Tracked: tracked,
	}
	if tracked && !wasTracked {
		t.stats.Incr(stats.NumWatchers)
	}

	t.rooms.Watch(s.connectionId, id.EventId)
	s.task = t.startRebroadcast(s.scope, id.EventId)

	s.log.Info().
		Str(logging.FieldEventId, id.EventId).
		Str(logging.FieldUserId, id.UserId).
		Str("role", id.Role).
		Bool("tracked", tracked).
		Msg("watching event")

	t.bc.Broadcast(ctx, id.EventId)
	return nil
}

func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State != Watching || !s.state.Tracked {
		return nil
	}

	t := s.tracker
	ok, err := t.store.Refresh(ctx, s.state.EventId, s.state.UserId)
	if err != nil {
		t.stats.Incr(stats.StoreErrors)
		s.log.Warn().Err(err).Str(logging.FieldEventId, s.state.EventId).Msg("refresh viewer")
		return nil
	}
	if ok {
		return nil
	}

	// purged while the connection stalled, or never written
	if _, err := t.store.Upsert(ctx, s.state.EventId, s.state.UserId, s.connectionId); err != nil {
		t.stats.Incr(stats.StoreErrors)
		s.log.Warn().Err(err).Str(logging.FieldEventId, s.state.EventId).Msg("re-assert viewer")
		return nil
	}
	s.log.Debug().Str(logging.FieldEventId, s.state.EventId).Msg("re-asserted missing viewer record")

	return nil
}

func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State != Watching {
		return nil
	}

	s.leaveLocked(ctx)
	return nil
}

// Disconnect is leave followed by releasing the session. Calling it more
// than once is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.State {
	case Disconnected:
		return nil
	case Watching:
		s.leaveLocked(ctx)
	}

	s.state = ConnectionState{State: Disconnected}
	s.cancelScope()
	return nil
}

func (s *Session) leaveLocked(ctx context.Context) {
	t := s.tracker
	prev := s.state

	s.stopTaskLocked()

	if prev.Tracked {
		removed, err := t.store.RemoveOwned(ctx, prev.EventId, prev.UserId, s.connectionId)
		if err != nil {
			// the record ages out of the count within one freshness window
			t.stats.Incr(stats.StoreErrors)
			s.log.Warn().Err(err).Str(logging.FieldEventId, prev.EventId).Msg("remove viewer")
		} else if !removed {
			s.log.Debug().Str(logging.FieldEventId, prev.EventId).Msg("viewer record already gone or owned by another connection")
		}
		t.stats.Decr(stats.NumWatchers)
	}

	t.rooms.Unwatch(s.connectionId, prev.EventId)
	s.state = ConnectionState{State: Idle}

	s.log.Info().Str(logging.FieldEventId, prev.EventId).Msg("left event")

	if prev.Tracked {
		t.bc.Broadcast(ctx, prev.EventId)
	}
}

func (s *Session) stopTaskLocked() {
	if s.task != nil {
		s.task.stop()
		s.task = nil
	}
}

// rebroadcastTask periodically publishes the count of one event. It never
// touches session state, so stopping it while holding the session lock
// cannot deadlock.
type rebroadcastTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Tracker) startRebroadcast(scope context.Context, eventId string) *rebroadcastTask {
	ctx, cancel := context.WithCancel(scope)
	task := &rebroadcastTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(task.done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				t.bc.Broadcast(ctx, eventId)
			}
		}
	}()

	return task
}

func (task *rebroadcastTask) stop() {
	task.cancel()
	<-task.done
}
