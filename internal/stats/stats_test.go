package stats

import (
	"net/http"
	"net/http/httptest"
	"testing"

	ptestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsUpdater(t *testing.T) {
	su := NewStatsUpdater()

	su.Incr(ActiveConnections)
	su.Incr(ActiveConnections)
	su.Decr(ActiveConnections)
	assert.Equal(t, float64(1), ptestutil.ToFloat64(su.gauges[ActiveConnections]))

	su.Incr(MessagesRouted)
	assert.Equal(t, float64(1), ptestutil.ToFloat64(su.gauges[MessagesRouted]))
	assert.Equal(t, float64(0), ptestutil.ToFloat64(su.gauges[QueueOverflowDrops]))
}

func TestRegisterMetric(t *testing.T) {
	su := NewStatsUpdater()

	su.RegisterMetric("tripchat_test_metric")
	su.Incr("tripchat_test_metric")
	assert.Equal(t, float64(1), ptestutil.ToFloat64(su.gauges["tripchat_test_metric"]))

	// re-registering is a no-op, not a panic
	su.RegisterMetric("tripchat_test_metric")

	assert.Panics(t, func() { su.Incr("never_registered") })
}

func TestHandler(t *testing.T) {
	su := NewStatsUpdater()
	su.Incr(ActiveRooms)

	w := httptest.NewRecorder()
	su.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ActiveRooms+" 1")
}

func TestNopStats(t *testing.T) {
	var sp StatsProvider = NopStats{}
	sp.Incr(ActiveConnections)
	sp.Decr(ActiveConnections)
	sp.RegisterMetric("anything")
}
