// Package metrics provides Prometheus metrics for autoprune.
//
// Exposed families:
//   - autoprune_enforcement_*: runs by reason and outcome, run latency,
//     tag deletions, deletion failures, repository timeouts, queue depth
//   - autoprune_metadata_*: metadata store latency and counts per backend
//     and operation
//   - autoprune_objectstore_*: report store latency and counts per operation
//
// Every constructor has a WithRegistry variant so tests can use a private
// registry. The worker builds one registry per process and serves it on
// /metrics through the health server.
package metrics
