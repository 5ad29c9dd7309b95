// Package api provides the chat REST API client.
//
// The realtime connection only tells the client that something changed;
// channel lists, member lists and message history are loaded over REST.
//
// Endpoints (relative to the versioned base, e.g. http://localhost:8000/api/v1):
//   - GET /channels/my
//   - GET /channels/{id}
//   - GET /messages/channel/{id}?offset=&limit=
package api
