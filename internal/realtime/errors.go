package realtime

import "errors"

// Session-fatal error classes. Component-local errors (transcription,
// storage) are absorbed where they occur and never reach these.
var (
	// ErrConnection marks socket or handshake failures.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks malformed or out-of-order inbound events. The
	// session aborts rather than continue with an inconsistent state
	// machine.
	ErrProtocol = errors.New("protocol error")
	// ErrDevice marks audio device failures. Device contention is not
	// expected to self-resolve, so these are never retried.
	ErrDevice = errors.New("device error")
)
