/*
Package metrics defines and registers Gaffer's Prometheus metrics:
job/process counts, spawn/exit/flap counters, reconciliation latency,
Topic Hub subscription counts, and lookup-client connection state.
Metrics are exposed over HTTP by Handler, mounted by cmd/gafferd at
/metrics.

Collector polls the Manager on an interval and republishes its state as
gauges for the counters that aren't naturally updated at the point of
the event (job/process counts); Manager and the Topic Hub update the
event-driven counters (spawns, exits, flaps, grace-kills) directly as
they occur.

This package also hosts a small health-check registry (HealthStatus,
RegisterComponent, the /health, /ready, and /live HTTP handlers) kept
separate from the metrics-exposition concern above but living in the
same package as the teacher keeps it.
*/
package metrics
