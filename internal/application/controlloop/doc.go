// Package controlloop decides whether a failing request may be replanned.
//
// A Runtime lives as long as a conversation session and accumulates replan
// history across its requests. A replan is allowed only when automatic
// replanning is enabled, the trigger type is allowed, the replan budget is not
// spent, the minimum interval since the last replan has passed and the session
// is not cooling down after a burst of replans.
package controlloop
