// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, effective configuration and debug introspection layer.
//
// Provides concurrent-safe state handling primitives including:
//   - Prometheus collectors over forwarding, pool and port counters
//   - Snapshot reads of the effective configuration
//   - State export, debug hooks, and probe registration
//
// Collectors read their sources on scrape, so the forwarding loop never
// blocks on the exporter.
package control
