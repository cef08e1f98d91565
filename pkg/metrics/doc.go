/*
Package metrics provides Prometheus metrics collection and exposition for
one cuckoonode worker node.

The package defines and registers the node's metrics: machine pool
occupancy and disabled count, Machinery Manager queue depth/waiters/action
duration/action outcomes, Result Server upload volume and mapped-IP count,
the event counter, and task-flow throughput (in-flight count, run
duration, completed-by-outcome). The task-flow metrics are registered and
exposed, but no subsystem in this module updates them. Metrics are exposed
via an HTTP endpoint for scraping by a Prometheus server wired up by the
surrounding deployment.

# Usage

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)

Timing an operation:

	timer := metrics.NewTimer()
	// ... perform the machinery action ...
	timer.ObserveDurationVec(metrics.ActionDuration, string(action))

# Metrics catalog

	cuckoonode_machines_total{state}             gauge
	cuckoonode_machines_disabled_total           gauge
	cuckoonode_machinery_queue_depth             gauge
	cuckoonode_machinery_waiters                 gauge
	cuckoonode_machinery_action_duration_seconds{action} histogram
	cuckoonode_machinery_actions_total{action,outcome}    counter
	cuckoonode_resultserver_upload_bytes_total{protocol}  counter
	cuckoonode_resultserver_uploads_total{protocol,outcome} counter
	cuckoonode_resultserver_mapped_ips            gauge
	cuckoonode_tasks_in_flight                    gauge
	cuckoonode_taskflow_duration_seconds          histogram
	cuckoonode_tasks_completed_total{outcome}     counter
	cuckoonode_events_emitted_total               counter

# Integration points

This package samples pkg/pool (machine gauges, via the Collector's poll
loop) and is used by pkg/machinery (action/queue/waiter metrics), pkg/resultserver
(upload counters and mapped-IP gauge), pkg/node (event counter), and
cmd/cuckoonode (wires the HTTP handler and health/readiness endpoints).
*/
package metrics
