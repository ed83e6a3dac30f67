// Package handler validates and invokes broker job functions by reflection.
//
// A job function takes an optional context.Context followed by at most one
// JSON-decoded argument, and returns either error or (T, error). A non-nil
// T is JSON-encoded and stored as the job result.
package handler
