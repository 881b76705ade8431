/*
Package metrics provides Prometheus metrics collection and exposition for
strata-core.

The metrics package defines and registers every strata-core metric using the
Prometheus client library, giving observability into transaction throughput,
WAL durability latency, vector search performance, and recovery outcomes.
Metrics are exposed via an HTTP endpoint for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Transaction: commits, aborts, active, commit duration │
	│  │  WAL: append/fsync duration, segments rotated          │
	│  │  Store: distinct key count                              │
	│  │  Vector: search duration, segments sealed, buffer size  │
	│  │  Event log: CAS-retry count on meta-key contention       │
	│  │  Recovery: txns replayed, incomplete txns discarded      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	// ... run the commit pipeline ...
	timer.ObserveDuration(metrics.CommitDuration)
	metrics.CommitsTotal.Inc()

	metrics.AbortsTotal.WithLabelValues("version_conflict").Inc()

	collector := metrics.NewCollector(db) // db satisfies metrics.Source
	collector.Start()
	defer collector.Stop()

# Health endpoints

RegisterComponent/UpdateComponent track subsystem health (wal, store, ...);
HealthHandler, ReadyHandler, and LivenessHandler expose the aggregate status
as JSON for an operator's liveness/readiness probes, mirroring the shape
cmd/stratadb wires up alongside the Prometheus Handler.

# Integration points

  - pkg/txn: commit/abort counters, commit duration
  - pkg/branch: branch transition counter
  - pkg/engine: wal/store component health, store key gauge via Collector
  - cmd/stratadb: wires Handler()/HealthHandler() onto an optional debug listener

The active-transaction, WAL, vector, event-append-retry and recovery metrics
are defined and registered here, but no package in this module updates them.
*/
package metrics
