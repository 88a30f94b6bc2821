package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	router := mux.NewRouter()
	su := NewStatsUpdater(router)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")

	var match mux.RouteMatch
	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	assert.True(t, router.Match(req, &match), "expected handler for GET /debug/vars to be registered")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	su := NewStatsUpdater(mux.NewRouter())
	su.RegisterMetric(NumWatchers)
	su.Run()

	before := su.vars.Get(NumWatchers).(*expvar.Int).Value()
	su.Incr(NumWatchers)
	su.Incr(NumWatchers)
	su.Decr(NumWatchers)

	assert.Eventually(t, func() bool {
		return su.vars.Get(NumWatchers).(*expvar.Int).Value() == before+1
	}, time.Second, 10*time.Millisecond, "expected counter to settle at +1")
}

func TestStatsUpdater_Handler(t *testing.T) {
	router := mux.NewRouter()
	su := NewStatsUpdater(router)
	su.RegisterMetric(BroadcastsSent)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "Uptime")
	assert.Contains(t, body, BroadcastsSent)
}

func TestStatsUpdater_Stop(t *testing.T) {
	su := NewStatsUpdater(mux.NewRouter())
	su.Run()

	su.Stop()
	su.Stop()

	su.RegisterMetric(DroppedMessages)
	before := su.vars.Get(DroppedMessages).(*expvar.Int).Value()
	assert.NotPanics(t, func() { su.Incr(DroppedMessages) })
	assert.Equal(t, before+1, su.vars.Get(DroppedMessages).(*expvar.Int).Value())
}

func TestStatsUpdater_BurstKeepsEveryUpdate(t *testing.T) {
	su := NewStatsUpdater(mux.NewRouter())
	su.RegisterMetric(NumActiveConnections)
	before := su.vars.Get(NumActiveConnections).(*expvar.Int).Value()

	burst := 2 * cap(su.updateChan)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < burst; i++ {
			su.Incr(NumActiveConnections)
		}
		for i := 0; i < burst-1; i++ {
			su.Decr(NumActiveConnections)
		}
	}()

	// the producer fills the buffer and waits for the loop to start
	su.Run()
	defer su.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates did not drain")
	}
	assert.Eventually(t, func() bool {
		return su.vars.Get(NumActiveConnections).(*expvar.Int).Value() == before+1
	}, time.Second, 10*time.Millisecond, "expected gauge to settle at +1")
}
