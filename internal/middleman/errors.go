package middleman

import "errors"

var (
	// ErrBindFailed is returned once the entire ephemeral port range has
	// been exhausted while trying to register a peer socket.
	ErrBindFailed = errors.New("middleman: failed to bind a peer socket in the available port range")

	// ErrInvalidAddress is returned when the configured relay address is
	// neither an IPv4 literal nor a resolvable hostname.
	ErrInvalidAddress = errors.New("middleman: relay address is not an IPv4 literal or resolvable hostname")

	// ErrInvalidRole is returned when the requested role and self ID are
	// inconsistent (server role with id != SERVER_ID).
	ErrInvalidRole = errors.New("middleman: role and self id are inconsistent")

	// ErrAlreadyRegistered is returned by registerPeer for a peer ID that
	// already has an interface.
	ErrAlreadyRegistered = errors.New("middleman: peer already registered")
)
