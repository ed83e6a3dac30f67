// Package events publishes workflow and task notifications.
//
// Publishing is fire-and-forget: a Publisher never returns an error to the
// caller that produced the event. Failures are logged. Channels follow the
// conventions "pipeline:{pipeline_id}" and "task:{task_id}".
package events
