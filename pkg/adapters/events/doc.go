// Package events provides event bus implementations and a trace sink that
// publishes stage and replan records.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: in-process handlers for testing
package events
