package relay

import "errors"

var (
	// ErrServerNotRegistered is logged (never returned to a caller) when a
	// non-server registration arrives before the server has registered.
	ErrServerNotRegistered = errors.New("relay: server not registered")

	// ErrUnknownPeer is logged when a data frame addresses a peer_id with
	// no Record.
	ErrUnknownPeer = errors.New("relay: unknown peer")
)
