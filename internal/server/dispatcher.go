package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/npezzotti/go-eventpresence/internal/liveness"
	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
)

var ErrInvalidAttendeeCount = errors.New("invalid attendee count")

// Counter yields the advisory viewer count of an event.
type Counter interface {
	Count(ctx context.Context, eventId string) int
}

// Dispatcher fans count updates out to registered connections. Viewer counts
// go to the room of the event; attendee counts go to every connection.
type Dispatcher struct {
	registry *Registry
	counter  Counter
	log      zerolog.Logger
	stats    stats.StatsProvider

	mu        sync.RWMutex
	attendees map[string]int
}

func NewDispatcher(registry *Registry, counter Counter, logger zerolog.Logger, su stats.StatsProvider) *Dispatcher {
	su.RegisterMetric(stats.BroadcastsSent)
	su.RegisterMetric(stats.AttendeeUpdates)
	su.RegisterMetric(stats.DroppedMessages)

	return &Dispatcher{
		registry:  registry,
		counter:   counter,
		log:       logger,
		stats:     su,
		attendees: make(map[string]int),
	}
}

func (d *Dispatcher) Broadcast(ctx context.Context, eventId string) {
	n := d.counter.Count(ctx, eventId)
	msg := CountUpdateMsg(0, eventId, n)

	recipients := d.registry.Watchers(eventId)
	for _, c := range recipients {
		d.deliver(c, msg)
	}
	d.stats.Incr(stats.BroadcastsSent)

	d.log.Debug().
		Str(logging.FieldEventId, eventId).
		Int("viewers", n).
		Int("recipients", len(recipients)).
		Msg("broadcast viewer count")
}

// SendCount replies to a single connection with the current count.
func (d *Dispatcher) SendCount(ctx context.Context, c *Client, id int, eventId string) {
	d.deliver(c, CountUpdateMsg(id, eventId, d.counter.Count(ctx, eventId)))
}

func (d *Dispatcher) ViewerCount(ctx context.Context, eventId string) int {
	return d.counter.Count(ctx, eventId)
}

// PublishAttendeeCount records the approved registration count of an event
// and pushes it to every connection.
func (d *Dispatcher) PublishAttendeeCount(eventId string, n int) error {
	if !liveness.ValidId(eventId) {
		return fmt.Errorf("%w: event id %q", liveness.ErrInvalidIdentity, eventId)
	}
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAttendeeCount, n)
	}

	d.mu.Lock()
	d.attendees[eventId] = n
	d.mu.Unlock()

	msg := AttendeeUpdateMsg(eventId, n)
	recipients := d.registry.All()
	for _, c := range recipients {
		d.deliver(c, msg)
	}
	d.stats.Incr(stats.AttendeeUpdates)

	d.log.Info().
		Str(logging.FieldEventId, eventId).
		Int("attendees", n).
		Int("recipients", len(recipients)).
		Msg("published attendee count")
	return nil
}

func (d *Dispatcher) AttendeeCount(eventId string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.attendees[eventId]
	return n, ok
}

// Watch places the connection in the event's room and replays the last
// attendee count published for it.
func (d *Dispatcher) Watch(connectionId, eventId string) {
	d.registry.Watch(connectionId, eventId)

	n, ok := d.AttendeeCount(eventId)
	if !ok {
		return
	}
	if c, ok := d.registry.Client(connectionId); ok {
		d.deliver(c, AttendeeUpdateMsg(eventId, n))
	}
}

func (d *Dispatcher) Unwatch(connectionId, eventId string) {
	d.registry.Unwatch(connectionId, eventId)
}

func (d *Dispatcher) deliver(c *Client, msg *ServerMessage) {
	if !c.queueMessage(msg) {
		d.stats.Incr(stats.DroppedMessages)
	}
}

var (
	_ liveness.Broadcaster = (*Dispatcher)(nil)
	_ liveness.Rooms       = (*Dispatcher)(nil)
)
