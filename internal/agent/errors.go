package agent

import "errors"

var (
	// ErrSessionBusy rejects a second concurrent send against a session that
	// already has a turn in flight. The protocol is single-turn per session;
	// callers queue or retry, the core never interleaves silently.
	ErrSessionBusy = errors.New("agent: session already has a call in flight")

	// ErrUnknownRequest is returned for a permission decision targeting a
	// request that was already resolved or never existed.
	ErrUnknownRequest = errors.New("agent: unknown permission request id")

	// ErrStreamLagged marks a turn whose stream consumer fell behind: chunks
	// were dropped, so the text read from the stream is incomplete. The turn
	// itself finished; Wait reports the stop reason alongside this error.
	ErrStreamLagged = errors.New("agent: stream consumer lagged, chunks dropped")
)
