// Package storage persists job definitions, per-job schedule state and
// execution records.
//
// Two drivers share one contract: a SQLite database (default) and a
// dependency-free file backend (jsonl journal + snapshot).
package storage
