package presence

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu        sync.RWMutex
	viewers   map[string]map[string]*ViewerRecord
	now       func() time.Time
	retention time.Duration
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := NewOptions(opts...)
	return &MemoryStore{
		viewers:   make(map[string]map[string]*ViewerRecord),
		now:       o.Now,
		retention: o.Retention,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, eventId, userId, connectionId string) (ViewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.viewers[eventId]
	if !ok {
		users = make(map[string]*ViewerRecord)
		s.viewers[eventId] = users
	}

	rec, ok := users[userId]
	if !ok {
		rec = &ViewerRecord{EventId: eventId, UserId: userId}
		users[userId] = rec
	}
	rec.ConnectionId = connectionId
	rec.LastActiveAt = s.now()

	return *rec, nil
}

func (s *MemoryStore) Refresh(_ context.Context, eventId, userId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.viewers[eventId][userId]
	if !ok {
		return false, nil
	}

	now := s.now()
	if now.Sub(rec.LastActiveAt) > s.retention {
		// expired but not yet purged
		s.deleteLocked(eventId, userId)
		return false, nil
	}

	rec.LastActiveAt = now
	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, eventId, userId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.viewers[eventId][userId]; !ok {
		return false, nil
	}

	s.deleteLocked(eventId, userId)
	return true, nil
}

func (s *MemoryStore) RemoveOwned(_ context.Context, eventId, userId, connectionId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.viewers[eventId][userId]
	if !ok || rec.ConnectionId != connectionId {
		return false, nil
	}

	s.deleteLocked(eventId, userId)
	return true, nil
}

func (s *MemoryStore) CountActive(_ context.Context, eventId string, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.viewers[eventId] {
		if !rec.LastActiveAt.Before(cutoff) {
			n++
		}
	}

	return n, nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for eventId, users := range s.viewers {
		for userId, rec := range users {
			if rec.LastActiveAt.Before(olderThan) {
				delete(users, userId)
				n++
			}
		}
		if len(users) == 0 {
			delete(s.viewers, eventId)
		}
	}

	return n, nil
}

// Get returns a copy of the record for (eventId, userId), if any.
func (s *MemoryStore) Get(eventId, userId string) (ViewerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.viewers[eventId][userId]
	if !ok {
		return ViewerRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records for eventId, fresh or not.
func (s *MemoryStore) Len(eventId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers[eventId])
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) deleteLocked(eventId, userId string) {
	users := s.viewers[eventId]
	delete(users, userId)
	if len(users) == 0 {
		delete(s.viewers, eventId)
	}
}
