// Package storage provides run, job, resolved configuration and provenance storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and optimistic WATCH/MULTI updates
//   - postgres: PostgreSQL package provenance rows (pgx)
//   - memory: In-memory for tests and single-process mode
package storage
