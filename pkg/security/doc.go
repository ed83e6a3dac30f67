// Package security provides validation, sanitization, and limits shared by
// the task registry and the broker.
//
// Error messages persisted on tasks, executions and broker jobs always pass
// through SanitizeErrorMessage so they stay bounded and free of control
// characters.
package security
