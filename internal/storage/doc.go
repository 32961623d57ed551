// Package storage persists the dispatch audit trail and page-activity
// heartbeats. Two drivers: a dependency-free file backend and SQLite
// (behind the "sqlite" build tag).
package storage
