package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveRequest("ok")
	m.ObserveRetry()
	m.ObserveAuthReplay()
	m.ObserveRefresh("pipeline", "ok")
	m.SetRealtimeState(2)
	m.ObserveReconnect()
	m.ObserveEvent("delivered")
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRefresh("scheduler", "ok")
	m.ObserveRefresh("scheduler", "ok")
	m.ObserveEvent("duplicate")
	m.SetRealtimeState(3)

	if got := testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("scheduler", "ok")); got != 2 {
		t.Fatalf("refreshes=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.RealtimeEvents.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicates=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.RealtimeState); got != 3 {
		t.Fatalf("state=%v want=3", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("GatherAndCount n=%d err=%v", n, err)
	}
}
