// Package budget implements the per-request timeout budget.
//
// A TimeoutBudget is created when a request enters the pipeline and is shared
// by every stage and task of that request. It enforces a total deadline plus
// per-phase allowances (plan, execute, compose) and records how long each
// phase actually took.
package budget
