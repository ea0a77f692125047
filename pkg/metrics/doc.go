/*
Package metrics provides Prometheus metrics collection and exposition for Aurora.

It defines every collector the control plane exports, a small Timer
helper for duration histograms, a gauge refresher for fleet and queue
state, and the component-health registry behind /health.

# Architecture

Three kinds of instrumentation live here:

  - Event counters and histograms, incremented at their call sites
    (jobs processed, plans executed, SSH connects, API requests)
  - Scanned gauges, refreshed on an interval by Collector because
    their truth lives in the store and in redis (fleet composition,
    queue depths)
  - The component-health registry, a last-reported-state map that the
    API folds into /health

All collectors are package-level and registered once in init(), so any
package can instrument without wiring, and tests share the default
registry safely.

# Metrics Catalog

Fleet:

	aurora_servers_total{active}          gauge      servers by activity
	aurora_rules_total{status}            gauge      rules by lifecycle status

Queue:

	aurora_queue_depth{state}             gauge      ready / delayed / running
	aurora_jobs_enqueued_total{name}      counter    enqueues by job name
	aurora_jobs_processed_total{name,outcome}  counter  handler outcomes
	aurora_job_duration_seconds{name}     histogram  handler latency

Reconciler:

	aurora_plans_executed_total{outcome}  counter    plan outcomes
	aurora_plan_duration_seconds          histogram  end-to-end plan latency

Connector:

	aurora_ssh_connects_total{outcome}    counter    dial attempts
	aurora_remote_commands_total          counter    commands executed

Traffic and policy:

	aurora_traffic_collections_total      counter    per-server collections
	aurora_port_download_bytes{server,port}  gauge   accumulated download
	aurora_port_upload_bytes{server,port}    gauge   accumulated upload
	aurora_limit_actions_total{action}    counter    enforcement actions

Host stats:

	aurora_server_cpu_percent{server}     gauge      sampled CPU
	aurora_server_memory_percent{server}  gauge      sampled memory
	aurora_server_disk_percent{server}    gauge      sampled root disk

Stream and API:

	aurora_stream_messages_total          counter    bus publishes
	aurora_api_requests_total{method,status}  counter
	aurora_api_request_duration_seconds{method}  histogram

# Usage

Counting an event:

	metrics.JobsProcessed.WithLabelValues(job.Name, "success").Inc()

Timing a handler:

	timer := metrics.NewTimer()
	err := handler(ctx, job)
	timer.ObserveDurationVec(metrics.JobDuration, job.Name)

Running the gauge refresher (one per process):

	gauges := metrics.NewCollector(store, queue, 15*time.Second)
	gauges.Start()
	defer gauges.Stop()

Reporting component health:

	metrics.SetComponent("scheduler", true, "")
	// later, on failure:
	metrics.SetComponent("scheduler", false, err.Error())

Exposition (the API mounts this on the ops listener):

	mux.Handle("/metrics", metrics.Handler())

# Design Patterns

Label cardinality is bounded: label values are job names, outcomes,
states and method names, never raw IDs. The exceptions are the
per-server and per-port gauges, whose cardinality equals the fleet
size the operator chose to manage.

Gauges that mirror stored state are refreshed by scanning, not by
increments, so a crashed process or a missed decrement cannot drift
them. Collector seeds every known rule status on each scan, so a count
that drops to zero is written as zero rather than left stale.

FleetSource and DepthSource are declared in this package (consumer-side
interfaces) so storage and queue stay import-free of metrics wiring.

# Integration Points

  - pkg/queue increments the job metrics and reports scheduler and
    worker-pool health
  - pkg/reconciler observes plan outcomes and durations
  - pkg/connector counts dials and remote commands
  - pkg/traffic sets the usage and host-stat gauges
  - pkg/api serves /metrics and folds Components() into /health
  - pkg/manager owns the Collector lifecycle

# See Also

  - pkg/api for the /health and /ready endpoints
  - pkg/log for the textual side of observability
*/
package metrics
