package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names used by the engine. Registered up front so a typo fails
// fast instead of silently recording nothing.
const (
	ActiveConnections   = "tripchat_active_connections"
	ActiveRooms         = "tripchat_active_rooms"
	MessagesRouted      = "tripchat_messages_routed_total"
	QueueOverflowDrops  = "tripchat_queue_overflow_disconnects_total"
	TypingExpiries      = "tripchat_typing_expiries_total"
	PersistenceFailures = "tripchat_persistence_failures_total"
	BusMessagesIn       = "tripchat_bus_messages_in_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater implements StatsProvider over a dedicated prometheus
// registry so independent instances can coexist in tests.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
}

func NewStatsUpdater() *StatsUpdater {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	su := &StatsUpdater{
		registry: registry,
		gauges:   make(map[string]prometheus.Gauge),
	}

	for _, name := range []string{
		ActiveConnections,
		ActiveRooms,
		MessagesRouted,
		QueueOverflowDrops,
		TypingExpiries,
		PersistenceFailures,
		BusMessagesIn,
	} {
		su.RegisterMetric(name)
	}

	return su
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

// Handler serves the registry for scraping.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}
