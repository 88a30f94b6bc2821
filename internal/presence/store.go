package presence

import (
	"context"
	"errors"
	"time"
)

const DefaultRetention = 60 * time.Second

// ErrStoreUnavailable wraps every failure of the underlying persistence layer.
var ErrStoreUnavailable = errors.New("presence store unavailable")

// ViewerRecord is one user actively watching one event. There is at most one
// record per (EventId, UserId).
type ViewerRecord struct {
	EventId      string    `json:"event_id"`
	UserId       string    `json:"user_id"`
	ConnectionId string    `json:"connection_id"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Store is the presence table. Implementations must be safe for concurrent use.
type Store interface {
	// Upsert creates the record for (eventId, userId) or takes it over for
	// connectionId, stamping it with the current time.
	Upsert(ctx context.Context, eventId, userId, connectionId string) (ViewerRecord, error)

	// Refresh bumps LastActiveAt. It reports false when no live record exists.
	Refresh(ctx context.Context, eventId, userId string) (bool, error)

	// Remove deletes the record regardless of which connection asserts it.
	Remove(ctx context.Context, eventId, userId string) (bool, error)

	// RemoveOwned deletes the record only while connectionId still asserts it.
	RemoveOwned(ctx context.Context, eventId, userId, connectionId string) (bool, error)

	// CountActive counts records for eventId whose LastActiveAt falls within
	// window of the store clock, read at call time.
	CountActive(ctx context.Context, eventId string, window time.Duration) (int, error)

	// Purge deletes every record last active before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

type Options struct {
	Now       func() time.Time
	Retention time.Duration
}

type Option func(*Options)

func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithRetention sets how long an unrefreshed record survives before it is
// treated as gone.
func WithRetention(d time.Duration) Option {
	return func(o *Options) {
		o.Retention = d
	}
}

func NewOptions(opts ...Option) Options {
	o := Options{
		Now:       time.Now,
		Retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
