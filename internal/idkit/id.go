// Package idkit generates the 128-bit identifiers sowback uses on the wire:
// ClientId, ProxyId, and ConnectionId. They are opaque, lower-case UUID
// strings; equality and hashing are the only operations performed on them,
// so they are plain strings everywhere else in the code.
package idkit

import "github.com/google/uuid"

// New generates a fresh lower-case UUID string, suitable for a ClientId,
// ProxyId, or ConnectionId.
func New() string {
	return uuid.NewString()
}
