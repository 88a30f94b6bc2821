package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Redis key patterns:
// presence:event:{event_id}:viewers   ZSET<user_id> scored by last active unix ms
// presence:event:{event_id}:conns     HASH user_id -> connection_id
// Both keys expire one retention period after their last write.

const viewersKeyPattern = "presence:event:*:viewers"

func viewersKey(eventId string) string {
	return fmt.Sprintf("presence:event:%s:viewers", eventId)
}

func connsKey(eventId string) string {
	return fmt.Sprintf("presence:event:%s:conns", eventId)
}

func connsKeyFromViewers(key string) string {
	return key[:len(key)-len("viewers")] + "conns"
}

var removeOwnedScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) == ARGV[2] then
	redis.call("HDEL", KEYS[2], ARGV[1])
	return redis.call("ZREM", KEYS[1], ARGV[1])
end
return 0
`)

type RedisStore struct {
	client    *redis.Client
	now       func() time.Time
	retention time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts...), nil
}

func NewRedisStoreWithClient(client *redis.Client, opts ...Option) *RedisStore {
	o := NewOptions(opts...)
	return &RedisStore{
		client:    client,
		now:       o.Now,
		retention: o.Retention,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) Upsert(ctx context.Context, eventId, userId, connectionId string) (ViewerRecord, error) {
	now := s.now()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, viewersKey(eventId), redis.Z{Score: float64(now.UnixMilli()), Member: userId})
	pipe.HSet(ctx, connsKey(eventId), userId, connectionId)
	pipe.Expire(ctx, viewersKey(eventId), s.retention)
	pipe.Expire(ctx, connsKey(eventId), s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return ViewerRecord{}, unavailable("upsert", err)
	}

	return ViewerRecord{
		EventId:      eventId,
		UserId:       userId,
		ConnectionId: connectionId,
		LastActiveAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (s *RedisStore) Refresh(ctx context.Context, eventId, userId string) (bool, error) {
	now := s.now()

	score, err := s.client.ZScore(ctx, viewersKey(eventId), userId).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("refresh", err)
	}
	if now.Sub(time.UnixMilli(int64(score))) > s.retention {
		return false, nil
	}

	pipe := s.client.TxPipeline()
	// XX never resurrects a member removed since the ZSCORE above
	pipe.ZAddArgs(ctx, viewersKey(eventId), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(now.UnixMilli()), Member: userId}},
	})
	pipe.Expire(ctx, viewersKey(eventId), s.retention)
	pipe.Expire(ctx, connsKey(eventId), s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("refresh", err)
	}

	return true, nil
}

func (s *RedisStore) Remove(ctx context.Context, eventId, userId string) (bool, error) {
	pipe := s.client.TxPipeline()
	removed := pipe.ZRem(ctx, viewersKey(eventId), userId)
	pipe.HDel(ctx, connsKey(eventId), userId)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("remove", err)
	}

	return removed.Val() > 0, nil
}

func (s *RedisStore) RemoveOwned(ctx context.Context, eventId, userId, connectionId string) (bool, error) {
	keys := []string{viewersKey(eventId), connsKey(eventId)}
	n, err := removeOwnedScript.Run(ctx, s.client, keys, userId, connectionId).Int()
	if err != nil {
		return false, unavailable("remove owned", err)
	}

	return n > 0, nil
}

func (s *RedisStore) CountActive(ctx context.Context, eventId string, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window).UnixMilli()

	n, err := s.client.ZCount(ctx, viewersKey(eventId), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, unavailable("count", err)
	}

	return int(n), nil
}

func (s *RedisStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	upper := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	total := 0

	iter := s.client.Scan(ctx, 0, viewersKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		stale, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return total, unavailable("purge", err)
		}
		if len(stale) == 0 {
			continue
		}

		members := make([]any, len(stale))
		for i, m := range stale {
			members[i] = m
		}

		pipe := s.client.TxPipeline()
		removed := pipe.ZRem(ctx, key, members...)
		pipe.HDel(ctx, connsKeyFromViewers(key), stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			return total, unavailable("purge", err)
		}
		total += int(removed.Val())
	}
	if err := iter.Err(); err != nil {
		return total, unavailable("purge", err)
	}

	return total, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
