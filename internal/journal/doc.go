// Package journal records every inbound realtime envelope to PostgreSQL.
//
// Rows are appended to an in-memory batch on the read goroutine and copied
// into the realtime_events table by a background flusher, either when the
// batch fills or on a fixed interval. Database failures are logged and
// counted and never reach the connection's dispatch path.
package journal
