package database

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-eventpresence/internal/presence"
)

// Placeholders appear in ascending order in every statement so that the
// same text binds identically under lib/pq and SQLite.
const (
	upsertViewerQuery = "INSERT INTO event_viewers (event_id, user_id, connection_id, last_active_at) " +
		"VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (event_id, user_id) DO UPDATE " +
		"SET connection_id = excluded.connection_id, last_active_at = excluded.last_active_at"
	refreshViewerQuery = "UPDATE event_viewers SET last_active_at = $1 " +
		"WHERE event_id = $2 AND user_id = $3 AND last_active_at >= $4"
	removeViewerQuery      = "DELETE FROM event_viewers WHERE event_id = $1 AND user_id = $2"
	removeOwnedViewerQuery = "DELETE FROM event_viewers WHERE event_id = $1 AND user_id = $2 AND connection_id = $3"
	countActiveQuery       = "SELECT COUNT(*) FROM event_viewers WHERE event_id = $1 AND last_active_at >= $2"
	purgeViewersQuery      = "DELETE FROM event_viewers WHERE last_active_at < $1"
)

// ViewerRepository is a presence.Store over the event_viewers table.
// LastActiveAt is persisted as unix milliseconds.
type ViewerRepository struct {
	db        *DBConn
	now       func() time.Time
	retention time.Duration
}

var _ presence.Store = (*ViewerRepository)(nil)

func NewViewerRepository(db *DBConn, opts ...presence.Option) *ViewerRepository {
	o := presence.NewOptions(opts...)
	return &ViewerRepository{
		db:        db,
		now:       o.Now,
		retention: o.Retention,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", presence.ErrStoreUnavailable, op, err)
}

func (r *ViewerRepository) Upsert(ctx context.Context, eventId, userId, connectionId string) (presence.ViewerRecord, error) {
	now := r.now()
	if _, err := r.db.conn.ExecContext(ctx, upsertViewerQuery, eventId, userId, connectionId, now.UnixMilli()); err != nil {
		return presence.ViewerRecord{}, unavailable("upsert viewer", err)
	}

	return presence.ViewerRecord{
		EventId:      eventId,
		UserId:       userId,
		ConnectionId: connectionId,
		LastActiveAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (r *ViewerRepository) Refresh(ctx context.Context, eventId, userId string) (bool, error) {
	now := r.now()
	res, err := r.db.conn.ExecContext(ctx, refreshViewerQuery,
		now.UnixMilli(),
		eventId,
		userId,
		now.Add(-r.retention).UnixMilli(),
	)
	if err != nil {
		return false, unavailable("refresh viewer", err)
	}

	return affected(res)
}

func (r *ViewerRepository) Remove(ctx context.Context, eventId, userId string) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, removeViewerQuery, eventId, userId)
	if err != nil {
		return false, unavailable("remove viewer", err)
	}

	return affected(res)
}

func (r *ViewerRepository) RemoveOwned(ctx context.Context, eventId, userId, connectionId string) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, removeOwnedViewerQuery, eventId, userId, connectionId)
	if err != nil {
		return false, unavailable("remove owned viewer", err)
	}

	return affected(res)
}

func (r *ViewerRepository) CountActive(ctx context.Context, eventId string, window time.Duration) (int, error) {
	cutoff := r.now().Add(-window).UnixMilli()

	var n int
	if err := r.db.conn.QueryRowContext(ctx, countActiveQuery, eventId, cutoff).Scan(&n); err != nil {
		return 0, unavailable("count viewers", err)
	}

	return n, nil
}

func (r *ViewerRepository) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.conn.ExecContext(ctx, purgeViewersQuery, olderThan.UnixMilli())
	if err != nil {
		return 0, unavailable("purge viewers", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge viewers", err)
	}

	return int(n), nil
}

func (r *ViewerRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *ViewerRepository) Close() error {
	return r.db.Close()
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func affected(res rowsAffecter) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return n > 0, nil
}
