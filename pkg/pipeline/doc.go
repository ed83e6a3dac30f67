// Package pipeline is the Step Executor: it runs an ordered list of steps
// against one document.
//
// Steps are a closed set of kinds, each with its own typed configuration
// decoded from the step's JSON config. Every step sees a fresh context
// derived from plain values only, so a step cannot leave a handle or a
// callback behind for later steps. A failing, panicking or timed-out step
// becomes an error entry for that step and the remaining steps still run.
// Only when no step succeeds is the whole run reported as failed.
package pipeline
