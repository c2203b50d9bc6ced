// Package storage provides the durable key-value backends behind the credential store.
//
// Every backend keeps one row per composite key (`<session>-<logical key>`) holding
// text-encoded payload data and an updated-at timestamp. Supported drivers:
//   - memory:   process-local map (not durable; development and tests)
//   - file:     JSON-lines journal periodically compacted into a snapshot
//   - sqlite:   SQLite database file (modernc.org/sqlite, no cgo)
//   - postgres: PostgreSQL through a pgx connection pool
package storage
