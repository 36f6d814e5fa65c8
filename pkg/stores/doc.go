// Package stores provides persistence for stagehand runs.
//
// FileStateStore holds the single in-flight RunState of a host as a JSON
// file replaced atomically on every save. SQLiteStore (WAL mode, embedded
// migrations) archives finished runs and keeps the engine event log.
package stores
