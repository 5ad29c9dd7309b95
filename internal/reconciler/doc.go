// Package reconciler applies inbound realtime envelopes to the chat store.
//
// Each envelope type maps to one idempotent mutation, so repeated delivery of
// the same logical event leaves the store unchanged. Side effects the store
// does not own (channel list refreshes, member refreshes, user notifications)
// are published as bus signals.
//
// Envelopes carry no sequence numbers. Edits are last-writer-wins: an edit
// that arrives after a newer copy of the message overwrites it.
package reconciler
