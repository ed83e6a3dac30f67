// Package workflow composes per-document pipeline runs into multi-document
// analyses.
//
// A workflow has three phases, each driven by its own task:
//
//	fan-out   one process_document task per input document, run concurrently
//	combine   one combine_documents task, created once every fan-out task is terminal
//	analyze   one analyze_rfp or analyze_proposal task over the combined text
//
// The fan-in is a storage-backed barrier counted from task terminal hooks,
// so no worker waits on another. Fan-out failures are tolerated; combine
// and analyze failures mark the analysis pipeline FAILED and are mirrored
// onto the workflow's parent task.
package workflow
