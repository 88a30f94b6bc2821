package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const statsMapName = "eventpresence-stats"

const (
	NumActiveConnections = "NumActiveConnections"
	NumWatchers          = "NumWatchers"
	BroadcastsSent       = "BroadcastsSent"
	AttendeeUpdates      = "AttendeeUpdates"
	StoreErrors          = "StoreErrors"
	DroppedMessages      = "DroppedMessages"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stop       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and serves its
// counters on GET /debug/vars.
func NewStatsUpdater(router *mux.Router) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		stop:       make(chan struct{}),
	}
	router.HandleFunc("/debug/vars", su.expvarHandler).Methods(http.MethodGet)

	// expvar names are process global
	if m, ok := expvar.Get(statsMapName).(*expvar.Map); ok {
		su.vars = m
	} else {
		su.vars = expvar.NewMap(statsMapName)
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case <-su.stop:
			return
		case req := <-su.updateChan:
			su.apply(req)
		}
	}
}

func (su *StatsUpdater) apply(req *metricsUpdateReq) {
	metric, ok := su.vars.Get(req.name).(*expvar.Int)
	if !ok {
		metric = new(expvar.Int)
		su.vars.Set(req.name, metric)
	}

	metric.Add(int64(req.value))
}

func (su *StatsUpdater) Incr(name string) {
	su.update(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.update(name, -1)
}

// update waits for buffer space so gauges never lose a Decr. Once stopped,
// updates are applied inline.
func (su *StatsUpdater) update(name string, value int) {
	req := &metricsUpdateReq{name: name, value: value}
	select {
	case su.updateChan <- req:
	case <-su.stop:
		su.apply(req)
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if _, ok := su.vars.Get(name).(*expvar.Int); ok {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.stop) })
}
