package acp

import "errors"

// Error taxonomy for the protocol layer. Transport-level failures kill the
// connection; per-frame and per-call failures never do.
var (
	// ErrProcessSpawn means the adapter executable could not be launched.
	ErrProcessSpawn = errors.New("acp: failed to spawn adapter process")

	// ErrHandshake means the initialize exchange failed after a successful spawn.
	ErrHandshake = errors.New("acp: protocol handshake failed")

	// ErrTransportClosed means the adapter process exited or its stdio pipes
	// were torn down. Open calls fail with this and the connection is dead
	// until a fresh start.
	ErrTransportClosed = errors.New("acp: transport closed")

	// ErrParse marks a single malformed frame. The frame is dropped and the
	// connection stays alive.
	ErrParse = errors.New("acp: malformed frame")

	// ErrNotConnected means an operation was attempted with no live connection.
	ErrNotConnected = errors.New("acp: not connected")
)
