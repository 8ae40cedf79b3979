// Package workflow implements a step scheduler for agent pipelines:
// sequential steps, conditional skips, parallel groups, bounded iteration,
// wait states (delay, until, schedule, approval), and value routing.
//
// Each step runs through a small state machine (condition check, execution
// with per-step timeout, retries, fallback agents, error handler) and
// produces a StepResult. Control flow out of a step body uses typed signals
// (Skip, Halt, Fail) returned up the stack, never panics.
package workflow
