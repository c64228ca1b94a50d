package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Directory errors
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrDuplicatePeer      = errors.New("peer name already taken")
	ErrInvalidName        = errors.New("peer name is required")
	ErrInvalidRadius      = errors.New("communication radius must be positive")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrInvalidPresence    = errors.New("presence must be online or offline")

	// Channel errors
	ErrChannelUnavailable = errors.New("delivery channel unavailable")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrNoEndpoint         = errors.New("peer has no endpoint for this channel")
	ErrDecodeFailed       = errors.New("malformed inbound payload")
	ErrTransientTransport = errors.New("transient transport failure")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("services already started")
)
