// Package metrics defines and registers the Prometheus metrics exposed by
// the communication manager: cloud connection state, SM channel activity,
// image cache occupancy, reconciliation cycles, and health/readiness
// endpoints used by the node's own supervisor and by external probes.
package metrics
