package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("orders", "postgres", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsAcquired.WithLabelValues("orders", "postgres"))
	if val != 3 {
		t.Errorf("expected acquired=3, got %v", val)
	}

	c.UpdatePoolStats("orders", "postgres", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsAcquired.WithLabelValues("orders", "postgres"))
	if val != 2 {
		t.Errorf("expected acquired=2 after update, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("orders", "postgres", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsAcquired.WithLabelValues("orders", "postgres")); v != 5 {
		t.Errorf("expected acquired=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("orders", "postgres")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("orders", "postgres")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.acquireWaiting.WithLabelValues("orders", "postgres")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("orders", "postgres", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "sqlx_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("orders")
	c.PoolExhausted("orders")
	c.PoolExhausted("orders")

	val := getCounterValue(c.poolExhausted.WithLabelValues("orders"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestProbeCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ProbeCompleted("orders", 10*time.Millisecond, true)

	val := getGaugeValue(c.profileHealth.WithLabelValues("orders"))
	if val != 1 {
		t.Errorf("expected health=1 after a healthy probe, got %v", val)
	}

	c.ProbeCompleted("orders", 5*time.Millisecond, false)
	val = getGaugeValue(c.profileHealth.WithLabelValues("orders"))
	if val != 0 {
		t.Errorf("expected health=0 after an unhealthy probe, got %v", val)
	}
	if errs := getCounterValue(c.probeErrors.WithLabelValues("orders")); errs != 1 {
		t.Errorf("expected 1 probe error recorded, got %v", errs)
	}

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "sqlx_probe_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("probe duration metric not found")
	}
}

func TestMigrationApplied(t *testing.T) {
	c, _ := newTestCollector(t)

	c.MigrationApplied("orders", 20*time.Millisecond, 3)
	c.MigrationApplied("orders", 15*time.Millisecond, 4)

	if v := getCounterValue(c.migrationsApplied.WithLabelValues("orders")); v != 2 {
		t.Errorf("expected 2 applied migrations, got %v", v)
	}
	if v := getGaugeValue(c.schemaVersion.WithLabelValues("orders")); v != 4 {
		t.Errorf("expected schema version 4, got %v", v)
	}
}

func TestMigrationReverted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.MigrationReverted("orders", 12*time.Millisecond, 2)

	if v := getCounterValue(c.migrationsReverted.WithLabelValues("orders")); v != 1 {
		t.Errorf("expected 1 reverted migration, got %v", v)
	}
	if v := getGaugeValue(c.schemaVersion.WithLabelValues("orders")); v != 2 {
		t.Errorf("expected schema version 2, got %v", v)
	}
}

func TestQueryCheckFinding(t *testing.T) {
	c, _ := newTestCollector(t)

	c.QueryCheckFinding("query_arg_count_mismatch")
	c.QueryCheckFinding("query_arg_count_mismatch")
	c.QueryCheckFinding("query_unknown_type")

	if v := getCounterValue(c.queryCheckFindings.WithLabelValues("query_arg_count_mismatch")); v != 2 {
		t.Errorf("expected 2 arg-count-mismatch findings, got %v", v)
	}
	if v := getCounterValue(c.queryCheckFindings.WithLabelValues("query_unknown_type")); v != 1 {
		t.Errorf("expected 1 unknown-type finding, got %v", v)
	}
}

func TestRemoveProfile(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("orders", "postgres", 1, 2, 3, 0)
	c.ProbeCompleted("orders", time.Millisecond, true)
	c.PoolExhausted("orders")

	c.RemoveProfile("orders")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "profile" && l.GetValue() == "orders" {
					t.Errorf("metric %s still has an orders label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleProfiles(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("orders", "postgres", 1, 0, 1, 0)
	c.UpdatePoolStats("billing", "mysql", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsAcquired.WithLabelValues("orders", "postgres"))
	v2 := getGaugeValue(c.connectionsAcquired.WithLabelValues("billing", "mysql"))

	if v1 != 1 {
		t.Errorf("expected orders acquired=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected billing acquired=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("orders", "postgres", 1, 0, 1, 0)
	c2.UpdatePoolStats("orders", "postgres", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsAcquired.WithLabelValues("orders", "postgres"))
	v2 := getGaugeValue(c2.connectionsAcquired.WithLabelValues("orders", "postgres"))

	if v1 != 1 {
		t.Errorf("c1 expected acquired=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected acquired=2, got %v", v2)
	}
}
