// Package workers implements task execution for tool calls.
//
// The executors:
//   - TaskRunner wraps one tool call with a timeout and bounded, linearly
//     backed-off retries
//   - ParallelExecutor dispatches a group of tasks concurrently under a
//     semaphore, isolating failures between siblings
//   - DependencyAwareExecutor runs groups in dependency order, skipping tasks
//     whose dependencies failed and feeding results into later groups
//
// The health monitor tracks executor slot usage and logs metrics.
package workers
