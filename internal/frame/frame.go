// Package frame implements the TURN-like wire codec shared by the relay
// and the middleman: a 2-byte prefix, a 4-byte big-endian peer ID, and an
// opaque payload.
package frame

import (
	"encoding/binary"
	"errors"
)

// PeerID identifies a registered endpoint. The meaning of the field it is
// carried in is dual: on a registration/keep-alive frame (empty payload)
// it names the peer doing the registering; on a data frame it names the
// receiver when travelling toward the Relay and the sender when travelling
// from the Relay. Callers must track which direction a frame is flowing.
type PeerID = uint32

const (
	// Prefix tags a datagram as TURN-framed traffic, distinguishing it
	// from opaque direct-mode passthrough on the same socket.
	Prefix uint16 = 0x00AA

	// PreambleLen is the fixed header size: 2-byte prefix + 4-byte peer ID.
	PreambleLen = 6

	// ServerID is the reserved peer ID of the single origin server.
	// Peer IDs <= ServerID are invalid for clients.
	ServerID PeerID = 1

	// MaxDatagram is a scratch-buffer size generous enough for any UDP
	// payload this protocol is expected to carry.
	MaxDatagram = 1500
)

// ErrInvalidFrame is returned by Decode when the datagram is too short or
// does not start with Prefix.
var ErrInvalidFrame = errors.New("frame: invalid prefix or length")

// Encode emits a frame: Prefix, peerID, then payload verbatim. payload may
// be nil or empty, signalling a registration/keep-alive frame.
func Encode(peerID PeerID, payload []byte) []byte {
	buf := make([]byte, PreambleLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Prefix)
	binary.BigEndian.PutUint32(buf[2:6], peerID)
	copy(buf[PreambleLen:], payload)
	return buf
}

// Decode parses a frame. It returns ErrInvalidFrame if b is shorter than
// PreambleLen or does not begin with Prefix. The returned payload aliases
// b and must be copied by the caller if retained past the read buffer's
// next reuse.
func Decode(b []byte) (PeerID, []byte, error) {
	if len(b) < PreambleLen {
		return 0, nil, ErrInvalidFrame
	}
	if binary.BigEndian.Uint16(b[0:2]) != Prefix {
		return 0, nil, ErrInvalidFrame
	}
	id := binary.BigEndian.Uint32(b[2:6])
	return id, b[PreambleLen:], nil
}

// IsRegistration reports whether payload denotes a registration/keep-alive
// frame rather than a data frame.
func IsRegistration(payload []byte) bool {
	return len(payload) == 0
}
