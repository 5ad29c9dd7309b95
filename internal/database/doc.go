// Package database provides the PostgreSQL connection pool used by the
// realtime event journal.
package database
