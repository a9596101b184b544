// Package stores provides persistence for flow instances and their history.
// It includes a SQLite store with WAL mode and embedded migrations, a Redis
// store using optimistic WATCH/MULTI transactions, and an in-memory store for
// tests and single-process demos.
package stores
