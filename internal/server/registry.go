package server

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
)

var ErrShuttingDown = errors.New("registry shutting down")

// Registry holds every live connection of the process along with the event
// each one watches and the events it observes.
type Registry struct {
	log   zerolog.Logger
	stats stats.StatsProvider

	mu        sync.RWMutex
	clients   map[string]*Client
	watching  map[string]string
	rooms     map[string]map[string]struct{}
	observers map[string]map[string]struct{}
	observing map[string]map[string]struct{}
	closed    bool
	drained   chan struct{}
}

func NewRegistry(logger zerolog.Logger, su stats.StatsProvider) *Registry {
	su.RegisterMetric(stats.NumActiveConnections)

	return &Registry{
		log:       logger,
		stats:     su,
		clients:   make(map[string]*Client),
		watching:  make(map[string]string),
		rooms:     make(map[string]map[string]struct{}),
		observers: make(map[string]map[string]struct{}),
		observing: make(map[string]map[string]struct{}),
		drained:   make(chan struct{}),
	}
}

func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrShuttingDown
	}

	r.clients[c.id] = c
	r.stats.Incr(stats.NumActiveConnections)
	r.log.Debug().Str(logging.FieldConnectionId, c.id).Int("connections", len(r.clients)).Msg("registered connection")
	return nil
}

// Unregister drops the connection and every membership it holds.
func (r *Registry) Unregister(connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[connectionId]; !ok {
		return
	}

	if ev, ok := r.watching[connectionId]; ok {
		removeMember(r.rooms, ev, connectionId)
		delete(r.watching, connectionId)
	}
	for ev := range r.observing[connectionId] {
		removeMember(r.observers, ev, connectionId)
	}
	delete(r.observing, connectionId)

	delete(r.clients, connectionId)
	r.stats.Decr(stats.NumActiveConnections)
	r.log.Debug().Str(logging.FieldConnectionId, connectionId).Int("connections", len(r.clients)).Msg("unregistered connection")

	if r.closed && len(r.clients) == 0 {
		close(r.drained)
	}
}

func (r *Registry) Client(connectionId string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[connectionId]
	return c, ok
}

// Watch moves the connection into the room of eventId. A connection watches
// at most one event.
func (r *Registry) Watch(connectionId, eventId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[connectionId]; !ok {
		return
	}

	if prev, ok := r.watching[connectionId]; ok {
		removeMember(r.rooms, prev, connectionId)
	}
	r.watching[connectionId] = eventId
	addMember(r.rooms, eventId, connectionId)
}

func (r *Registry) Unwatch(connectionId, eventId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watching[connectionId] != eventId {
		return
	}
	delete(r.watching, connectionId)
	removeMember(r.rooms, eventId, connectionId)
}

func (r *Registry) WatchedEvent(connectionId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.watching[connectionId]
	return ev, ok
}

// maxObserved bounds the events one connection may observe at once.
const maxObserved = 100

// Observe subscribes connectionId to count updates for eventIds, up to
// maxObserved events per connection in total. It returns the ids accepted
// by this call, including ones already observed.
func (r *Registry) Observe(connectionId string, eventIds ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[connectionId]; !ok {
		return nil
	}

	accepted := make([]string, 0, len(eventIds))
	for _, ev := range eventIds {
		if _, ok := r.observing[connectionId][ev]; !ok && len(r.observing[connectionId]) >= maxObserved {
			continue
		}
		addMember(r.observers, ev, connectionId)
		addMember(r.observing, connectionId, ev)
		accepted = append(accepted, ev)
	}

	return accepted
}

func (r *Registry) Unobserve(connectionId string, eventIds ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range eventIds {
		removeMember(r.observers, ev, connectionId)
		removeMember(r.observing, connectionId, ev)
	}
}

// Watchers returns the connections watching or observing eventId, each once.
func (r *Registry) Watchers(eventId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.rooms[eventId])+len(r.observers[eventId]))
	for id := range r.rooms[eventId] {
		out = append(out, r.clients[id])
	}
	for id := range r.observers[eventId] {
		if _, dup := r.rooms[eventId][id]; dup {
			continue
		}
		out = append(out, r.clients[id])
	}
	return out
}

func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Shutdown refuses new connections, stops every client and waits until all
// of them have unregistered or ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	if len(r.clients) == 0 {
		close(r.drained)
	}
	r.mu.Unlock()

	r.log.Info().Int("connections", len(clients)).Msg("stopping connections")
	for _, c := range clients {
		c.stopClient()
	}

	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addMember(set map[string]map[string]struct{}, key, member string) {
	m, ok := set[key]
	if !ok {
		m = make(map[string]struct{})
		set[key] = m
	}
	m[member] = struct{}{}
}

func removeMember(set map[string]map[string]struct{}, key, member string) {
	m, ok := set[key]
	if !ok {
		return
	}
	delete(m, member)
	if len(m) == 0 {
		delete(set, key)
	}
}
