// Package metrics registers the Prometheus gauges and counters the
// admin API exposes at /metrics, generalized from the teacher's
// per-tenant proxy Collector to per-profile pool, migration and
// query-check activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric sqlx-admin reports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsAcquired *prometheus.GaugeVec
	connectionsIdle     *prometheus.GaugeVec
	connectionsTotal    *prometheus.GaugeVec
	acquireWaiting      *prometheus.GaugeVec
	acquireDuration     *prometheus.HistogramVec
	poolExhausted       *prometheus.CounterVec
	profileHealth       *prometheus.GaugeVec
	probeDuration       *prometheus.HistogramVec
	probeErrors         *prometheus.CounterVec

	migrationsApplied  *prometheus.CounterVec
	migrationsReverted *prometheus.CounterVec
	migrationDuration  *prometheus.HistogramVec
	schemaVersion      *prometheus.GaugeVec

	queryCheckFindings *prometheus.CounterVec
}

// New creates and registers every metric against a fresh registry. Safe
// to call more than once (tests, config reload): each call's registry
// is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsAcquired: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_connections_acquired", Help: "Connections currently checked out of the pool, per profile"},
			[]string{"profile", "db_type"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_connections_idle", Help: "Idle connections held by the pool, per profile"},
			[]string{"profile", "db_type"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_connections_total", Help: "Total connections (idle + acquired), per profile"},
			[]string{"profile", "db_type"},
		),
		acquireWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_acquire_waiting", Help: "Goroutines currently blocked in Pool.Acquire, per profile"},
			[]string{"profile", "db_type"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlx_acquire_duration_seconds",
				Help:    "Time spent waiting for Pool.Acquire to return",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"profile", "db_type"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sqlx_pool_exhausted_total", Help: "Times Pool.Acquire timed out waiting for a connection"},
			[]string{"profile"},
		),
		profileHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_profile_health", Help: "Last Pool.Probe result per profile (1=healthy, 0=unhealthy)"},
			[]string{"profile"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlx_probe_duration_seconds",
				Help:    "Duration of Pool.Probe connectivity checks",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"profile", "status"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sqlx_probe_errors_total", Help: "Pool.Probe failures by profile"},
			[]string{"profile"},
		),
		migrationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sqlx_migrations_applied_total", Help: "Migrations successfully applied, per profile"},
			[]string{"profile"},
		),
		migrationsReverted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sqlx_migrations_reverted_total", Help: "Migrations successfully reverted, per profile"},
			[]string{"profile"},
		),
		migrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlx_migration_duration_seconds",
				Help:    "Duration of a single migration file's apply or revert",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"profile", "direction"},
		),
		schemaVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "sqlx_schema_version", Help: "Highest applied migration version, per profile"},
			[]string{"profile"},
		),
		queryCheckFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sqlx_query_check_findings_total", Help: "prepare --check findings by kind"},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		c.connectionsAcquired,
		c.connectionsIdle,
		c.connectionsTotal,
		c.acquireWaiting,
		c.acquireDuration,
		c.poolExhausted,
		c.profileHealth,
		c.probeDuration,
		c.probeErrors,
		c.migrationsApplied,
		c.migrationsReverted,
		c.migrationDuration,
		c.schemaVersion,
		c.queryCheckFindings,
	)

	return c
}

// UpdatePoolStats updates the pool gauges for one profile from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(profile, dbType string, acquired, idle, total, waiting int) {
	c.connectionsAcquired.WithLabelValues(profile, dbType).Set(float64(acquired))
	c.connectionsIdle.WithLabelValues(profile, dbType).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(profile, dbType).Set(float64(total))
	c.acquireWaiting.WithLabelValues(profile, dbType).Set(float64(waiting))
}

// AcquireDuration observes time spent waiting for Pool.Acquire.
func (c *Collector) AcquireDuration(profile, dbType string, d time.Duration) {
	c.acquireDuration.WithLabelValues(profile, dbType).Observe(d.Seconds())
}

// PoolExhausted increments the exhaustion counter for a profile.
func (c *Collector) PoolExhausted(profile string) {
	c.poolExhausted.WithLabelValues(profile).Inc()
}

// ProbeCompleted records one Pool.Probe result and its duration.
func (c *Collector) ProbeCompleted(profile string, d time.Duration, healthy bool) {
	status := "healthy"
	val := 1.0
	if !healthy {
		status = "unhealthy"
		val = 0.0
		c.probeErrors.WithLabelValues(profile).Inc()
	}
	c.probeDuration.WithLabelValues(profile, status).Observe(d.Seconds())
	c.profileHealth.WithLabelValues(profile).Set(val)
}

// MigrationApplied records one applied migration's duration.
func (c *Collector) MigrationApplied(profile string, d time.Duration, version int64) {
	c.migrationsApplied.WithLabelValues(profile).Inc()
	c.migrationDuration.WithLabelValues(profile, "up").Observe(d.Seconds())
	c.schemaVersion.WithLabelValues(profile).Set(float64(version))
}

// MigrationReverted records one reverted migration's duration.
func (c *Collector) MigrationReverted(profile string, d time.Duration, version int64) {
	c.migrationsReverted.WithLabelValues(profile).Inc()
	c.migrationDuration.WithLabelValues(profile, "down").Observe(d.Seconds())
	c.schemaVersion.WithLabelValues(profile).Set(float64(version))
}

// QueryCheckFinding increments the findings counter for one finding kind.
func (c *Collector) QueryCheckFinding(kind string) {
	c.queryCheckFindings.WithLabelValues(kind).Inc()
}

// RemoveProfile removes every metric series for a profile that's been
// dropped from the registry, so a stale label doesn't linger forever.
func (c *Collector) RemoveProfile(profile string) {
	c.connectionsAcquired.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.acquireWaiting.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.poolExhausted.DeleteLabelValues(profile)
	c.profileHealth.DeleteLabelValues(profile)
	c.probeDuration.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.probeErrors.DeleteLabelValues(profile)
	c.migrationsApplied.DeleteLabelValues(profile)
	c.migrationsReverted.DeleteLabelValues(profile)
	c.migrationDuration.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.schemaVersion.DeleteLabelValues(profile)
}
