// Package metrics defines the Prometheus metrics exported by exaworker.
//
// Every worker serves the default registry on its control plane at /metrics.
// Pool-level gauges (workers by type/status/state, requests by status) are
// filled by a Collector sampling the datastore; the factory's watch loop runs
// one. Counters and histograms are updated inline by the daemon, the factory
// and the control plane, usually through a Timer.
package metrics
