// Package storage persists notifications and per-user timezone settings.
//
// Drivers:
//   - "memory": process-local maps, for tests and single-node dev
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
package storage
