// Package netconn abstracts the subset of *net.UDPConn the relay and
// middleman depend on, mirroring how the teacher's internal/signaling
// package abstracts *websocket.Conn behind its own Conn interface so
// tests can substitute an in-memory fake instead of binding real sockets.
package netconn

import (
	"net"
	"time"
)

// Conn is satisfied by *net.UDPConn without any adapter.
type Conn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}
