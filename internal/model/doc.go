// Package model defines the chat types shared by the realtime client, the
// reconciler and the in-memory store.
//
// All types mirror the JSON shapes the chat server pushes over the websocket
// and returns from the REST API.
//
// Conventions:
//   - IDs: opaque strings assigned by the server
//   - Timestamps: ISO 8601 strings exactly as the server emits them
//   - Provisional reaction IDs: "temp_" + UUID, replaced on the next REST reload
package model
