// Package realtime streams session lifecycle events to connected browsers
// over WebSocket, so a tab learns immediately that its session was revoked.
package realtime
