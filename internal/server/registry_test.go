package server

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/npezzotti/go-eventpresence/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(testutil.TestLogger(t), stats.NewPermissiveMock())
}

func ids(clients []*Client) []string {
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.id)
	}
	sort.Strings(out)
	return out
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", stats.NumActiveConnections).Once()
	su.On("Incr", stats.NumActiveConnections).Twice()
	su.On("Decr", stats.NumActiveConnections).Once()
	r := NewRegistry(testutil.TestLogger(t), su)

	require.NoError(t, r.Register(newTestClient(t, "a")))
	require.NoError(t, r.Register(newTestClient(t, "b")))
	assert.Equal(t, 2, r.Len())

	r.Unregister("a")
	r.Unregister("a")

	assert.Equal(t, 1, r.Len())
	_, ok := r.Client("a")
	assert.False(t, ok)
	su.AssertExpectations(t)
}

func TestRegistry_Watch(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(newTestClient(t, id)))
	}

	r.Watch("a", "E1")
	r.Watch("b", "E1")
	r.Watch("c", "E2")
	assert.Equal(t, []string{"a", "b"}, ids(r.Watchers("E1")))

	t.Run("moving rooms", func(t *testing.T) {
		r.Watch("b", "E2")
		assert.Equal(t, []string{"a"}, ids(r.Watchers("E1")))
		assert.Equal(t, []string{"b", "c"}, ids(r.Watchers("E2")))
	})

	t.Run("stale unwatch is ignored", func(t *testing.T) {
		r.Unwatch("b", "E1")
		ev, ok := r.WatchedEvent("b")
		assert.True(t, ok)
		assert.Equal(t, "E2", ev)
	})

	t.Run("unknown connection", func(t *testing.T) {
		r.Watch("ghost", "E1")
		assert.Equal(t, []string{"a"}, ids(r.Watchers("E1")))
	})

	t.Run("unregister clears membership", func(t *testing.T) {
		r.Unregister("c")
		assert.Equal(t, []string{"b"}, ids(r.Watchers("E2")))
	})
}

func TestRegistry_Observe(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, r.Register(newTestClient(t, id)))
	}

	r.Watch("a", "E1")
	r.Observe("a", "E1", "E2")
	r.Observe("b", "E1")

	assert.Equal(t, []string{"a", "b"}, ids(r.Watchers("E1")), "watcher that also observes appears once")
	assert.Equal(t, []string{"a"}, ids(r.Watchers("E2")))

	r.Unobserve("a", "E2")
	assert.Empty(t, r.Watchers("E2"))

	r.Unregister("b")
	assert.Equal(t, []string{"a"}, ids(r.Watchers("E1")))
	assert.Empty(t, r.observing["b"])
}

func TestRegistry_ObserveLimit(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(newTestClient(t, "a")))

	for i := 0; i < maxObserved; i++ {
		assert.Equal(t, []string{fmt.Sprintf("E%d", i)}, r.Observe("a", fmt.Sprintf("E%d", i)))
	}

	assert.Empty(t, r.Observe("a", "extra"))
	assert.Empty(t, r.Watchers("extra"))
	assert.Equal(t, []string{"E0"}, r.Observe("a", "E0", "extra"), "already observed ids are still accepted")
	assert.Len(t, r.observing["a"], maxObserved)

	r.Unobserve("a", "E0")
	assert.Equal(t, []string{"extra"}, r.Observe("a", "extra"))
	assert.Nil(t, r.Observe("missing", "E1"))
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Run("waits for clients to unregister", func(t *testing.T) {
		r := newTestRegistry(t)
		c := newTestClient(t, "a")
		require.NoError(t, r.Register(c))

		go func() {
			<-c.stop
			r.Unregister("a")
		}()

		assert.NoError(t, r.Shutdown(context.Background()))
		assert.Equal(t, 0, r.Len())
		assert.ErrorIs(t, r.Register(newTestClient(t, "b")), ErrShuttingDown)
	})

	t.Run("empty registry", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.NoError(t, r.Shutdown(context.Background()))
		assert.NoError(t, r.Shutdown(context.Background()))
	})

	t.Run("context ends first", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(newTestClient(t, "a")))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	})
}
