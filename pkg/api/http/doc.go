// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Query submission and cancellation
//   - Trace retrieval
//   - Session control loop counters
//   - Health checks
//   - Prometheus metrics
package http
