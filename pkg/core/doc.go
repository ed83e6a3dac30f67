// Package core provides the fundamental types and interfaces for docpipe.
//
// This package contains:
//   - Task, Job and pipeline data models with GORM annotations
//   - The task status state machine and priority ordering
//   - Storage interfaces defining the persistence contract
//   - Error kinds shared by every layer
//   - Event types for broker monitoring
//
// Most users should import the root package github.com/jdziat/docpipe
// instead of this package directly.
package core
