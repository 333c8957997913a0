package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncLoadStarted()
	m.AddUpdates("RELEVANT", 3)
	m.SetViewers(2)
	m.ObserveTick(0)
}

func TestRegisteredCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncLoadStarted()
	m.IncLoadStarted()
	m.AddUpdates("DESTROYED", 2)
	m.AddUpdates("DESTROYED", 0)

	if got := testutil.ToFloat64(m.LoadsStarted); got != 2 {
		t.Fatalf("loads started=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.UpdatesEmitted.WithLabelValues("DESTROYED")); got != 2 {
		t.Fatalf("destroyed=%v want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "voxelrelay_chunk_loads_started_total"); err != nil || n != 1 {
		t.Fatalf("gather count=%d err=%v", n, err)
	}
}
