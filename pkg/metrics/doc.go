/*
Package metrics exposes the control plane's Prometheus collectors: task
counters by type, pipeline step durations, proxy request counts by
status class, webhook outcomes and tenant auto-starts. Handler returns
the promhttp handler mounted at /metrics on the gateway.
*/
package metrics
