// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns at most one websocket to the chat server per process
//   - Reconnects after unclean loss with deterministic exponential backoff
//   - Sends a heartbeat ping while connected and swallows the pong
//   - Fans inbound envelopes out to per-type handlers with panic isolation
//   - Reports status transitions to subscribers, serialized and in order
package connection
