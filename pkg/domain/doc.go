// Package domain holds the types shared by the orchestration engine and its adapters.
//
// It covers plans and tool dependencies, the task lifecycle, stage inputs and
// outputs, replan triggers and events, and the request trace. Sentinel and typed
// errors live in errors.go and are matched with errors.Is / errors.As.
package domain
