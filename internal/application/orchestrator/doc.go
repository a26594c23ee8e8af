// Package orchestrator turns plans into executed, traced requests.
//
// A request moves through five stages:
//   - route_plan validates the plan structure
//   - validate extracts tool dependencies and picks an execution strategy
//   - execute runs the tools group by group, feeding results forward
//   - compose folds tool results into one payload
//   - present builds the final answer with partial success counts
//
// DIRECT and REJECT plans record validate, execute and compose as skipped.
// Failed executions may be replanned when the session's control loop allows it.
// The Manager submits requests and stores their traces.
package orchestrator
