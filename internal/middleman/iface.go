package middleman

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/nixrelay/turnrelay/internal/netconn"
)

// outboundQueueCap bounds each interface's deferred-send buffer. Capacity
// chosen per the design note: generous enough for a brief stall, small
// enough that one never-writable peer can't exhaust memory. UDP already
// offers no delivery guarantee, so dropping the oldest queued datagram to
// admit the newest costs nothing semantically.
const outboundQueueCap = 1024

// ifaceSocket is one UDP socket owned by the Middleman: either the single
// relay-bound socket, or one peer-bound socket per remote peer. It
// buffers writes made before Start and drains them in FIFO order once
// running, following the outbound-queue invariant in the data model.
type ifaceSocket struct {
	mu      sync.Mutex
	conn    netconn.Conn
	remote  *net.UDPAddr
	running bool
	queue   [][]byte
	logger  *log.Logger
}

func newIfaceSocket(conn netconn.Conn, remote *net.UDPAddr, logger *log.Logger) *ifaceSocket {
	return &ifaceSocket{conn: conn, remote: remote, logger: logger}
}

// Start marks the socket as running and flushes any queued datagrams in
// the order they were buffered.
func (s *ifaceSocket) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	for _, b := range s.queue {
		s.writeLocked(b)
	}
	s.queue = nil
}

// Stop marks the socket as not running; subsequent sends queue again.
func (s *ifaceSocket) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// SetRemoteOnce sets the send address only if it is not already set. In
// the client role, the local application's source port is learned from
// its first datagram and then fixed for the life of the session.
func (s *ifaceSocket) SetRemoteOnce(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil {
		return
	}
	s.remote = addr
}

// Send transmits b immediately if running, otherwise buffers it. Write
// failures are logged and dropped; this is best-effort UDP delivery, not
// a reliable channel.
func (s *ifaceSocket) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		if len(s.queue) >= outboundQueueCap {
			s.queue = s.queue[1:] // drop-oldest
		}
		cp := append([]byte(nil), b...)
		s.queue = append(s.queue, cp)
		return nil
	}
	s.writeLocked(b)
	return nil
}

func (s *ifaceSocket) writeLocked(b []byte) {
	if s.remote == nil {
		s.logger.Printf("middleman: dropping datagram, no remote address set")
		return
	}
	var err error
	if c, ok := s.conn.(*net.UDPConn); ok && c.RemoteAddr() != nil {
		// The relay-bound socket is connected, and a connected socket
		// rejects WriteToUDP.
		_, err = c.Write(b)
	} else {
		_, err = s.conn.WriteToUDP(b, s.remote)
	}
	if err != nil {
		s.logger.Printf("middleman: write to %s failed: %v", s.remote, err)
	}
}

func (s *ifaceSocket) Close() error {
	return s.conn.Close()
}

func (s *ifaceSocket) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("iface{remote=%v running=%v queued=%d}", s.remote, s.running, len(s.queue))
}
