// Package storage provides trace store implementations.
//
// Implementations:
//   - redis: saved traces as JSON with TTL, live stage and replan lists
//   - memory: in-process map, used by tests and the run command
package storage
