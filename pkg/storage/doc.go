// Package storage provides the GORM-backed persistence layer for docpipe.
//
// GormStorage implements core.Storage: the task registry, the broker's job
// table, pipeline configs and executions, per-document artifacts and the
// fan-in barriers used by workflows. SQLite and PostgreSQL are supported;
// Open picks the dialect from the DSN.
package storage
