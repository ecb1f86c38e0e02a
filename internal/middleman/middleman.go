// Package middleman implements the local shim that presents each remote
// peer as a plain UDP endpoint to an unmodified application, while
// multiplexing all traffic onto one relay-facing socket speaking the
// internal/frame protocol.
package middleman

import (
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nixrelay/turnrelay/internal/frame"
)

// Role selects whether a Middleman behaves as the origin server's shim or
// a client's shim.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// minPeerPort is the lower bound of the peer-interface port range,
// avoiding privileged ports, mirroring the same "if start < 1024 { start
// = 1024 }" clamp the teacher's netutil port scanner applies.
const minPeerPort = 1024

// defaultPortRangeStart is where peer-socket allocation begins absent an
// explicit Config.PortRangeStart.
const defaultPortRangeStart = 6970

// Config configures a Middleman.
type Config struct {
	Role Role

	// SelfID is required for RoleServer (must equal frame.ServerID) and
	// optional for RoleClient (derived from a machine identifier if <=
	// frame.ServerID).
	SelfID frame.PeerID

	// RelayIP is either an IPv4 literal or a hostname to resolve.
	RelayIP   string
	RelayPort int

	// ListenPort is the local application's port in the server role; the
	// server-side peer sockets connect back to it.
	ListenPort int

	// PortRangeStart overrides where peer-socket port allocation begins.
	// Zero means defaultPortRangeStart.
	PortRangeStart int

	Logger *log.Logger

	// OnIPResolved and OnPeerRegistered mirror the callbacks exposed to
	// embedders in the original design; both are nil-checked and invoked
	// synchronously.
	OnIPResolved     func(ip net.IP, port int)
	OnPeerRegistered func(peerID frame.PeerID, localPort int)
}

// Middleman orchestrates one relay-bound socket and N peer-bound sockets.
type Middleman struct {
	cfg    Config
	logger *log.Logger

	relayAddr  *net.UDPAddr
	relayConn  *net.UDPConn
	relayIface *ifaceSocket

	mu            sync.Mutex
	peers         map[frame.PeerID]*ifaceSocket
	nextLocalPort int
}

// New constructs and starts a Middleman: it resolves the relay address,
// opens the relay-bound socket, registers with the Relay, and (in the
// client role) preregisters a peer socket for SelfID.
func New(cfg Config) (*Middleman, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.PortRangeStart == 0 {
		cfg.PortRangeStart = defaultPortRangeStart
	}
	if cfg.PortRangeStart < minPeerPort {
		cfg.PortRangeStart = minPeerPort
	}

	switch cfg.Role {
	case RoleServer:
		if cfg.SelfID != frame.ServerID {
			return nil, ErrInvalidRole
		}
	case RoleClient:
		if cfg.SelfID <= frame.ServerID {
			cfg.SelfID = deriveSelfID()
		}
	default:
		return nil, ErrInvalidRole
	}

	m := &Middleman{
		cfg:           cfg,
		logger:        logger,
		peers:         make(map[frame.PeerID]*ifaceSocket),
		nextLocalPort: cfg.PortRangeStart,
	}

	addr, err := m.resolveRelayAddr()
	if err != nil {
		return nil, err
	}
	m.relayAddr = addr
	if cfg.OnIPResolved != nil {
		cfg.OnIPResolved(addr.IP, addr.Port)
	}

	if err := m.start(); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveRelayAddr tries an IPv4-literal parse first (no regex, per the
// design note) and falls back to hostname resolution.
func (m *Middleman) resolveRelayAddr() (*net.UDPAddr, error) {
	if ip := net.ParseIP(m.cfg.RelayIP); ip != nil && ip.To4() != nil {
		return &net.UDPAddr{IP: ip, Port: m.cfg.RelayPort}, nil
	}
	if !isValidHostname(m.cfg.RelayIP) {
		return nil, ErrInvalidAddress
	}

	resolved := make(chan *net.UDPAddr, 1)
	failed := make(chan error, 1)
	go func() {
		ips, err := net.LookupHost(m.cfg.RelayIP)
		if err != nil || len(ips) == 0 {
			failed <- fmt.Errorf("%w: resolve %q: %v", ErrInvalidAddress, m.cfg.RelayIP, err)
			return
		}
		ip := net.ParseIP(ips[0])
		resolved <- &net.UDPAddr{IP: ip, Port: m.cfg.RelayPort}
	}()

	select {
	case addr := <-resolved:
		return addr, nil
	case err := <-failed:
		return nil, err
	}
}

func isValidHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

// deriveSelfID hashes a machine identifier into the client peer ID space
// when none is configured explicitly.
func deriveSelfID() frame.PeerID {
	hostname, _ := os.Hostname()
	h := fnv.New32a()
	fmt.Fprintf(h, "%s-%d", hostname, os.Getpid())
	id := h.Sum32()
	if id <= frame.ServerID {
		id += frame.ServerID + 1
	}
	return id
}

// start opens the relay-bound socket, sends the initial registration
// frame, and in the client role preregisters SelfID's peer socket.
func (m *Middleman) start() error {
	conn, err := net.DialUDP("udp", nil, m.relayAddr)
	if err != nil {
		return fmt.Errorf("middleman: dial relay: %w", err)
	}
	m.relayConn = conn
	m.relayIface = newIfaceSocket(conn, m.relayAddr, m.logger)
	m.relayIface.Start()

	go m.relayReadLoop()

	if m.cfg.Role == RoleClient {
		if _, err := m.registerPeer(m.cfg.SelfID); err != nil {
			return err
		}
	}

	if err := m.relayIface.Send(frame.Encode(m.cfg.SelfID, nil)); err != nil {
		return err
	}
	return nil
}

// registerPeer allocates a local peer socket for peerID, retrying with
// the next port in the range on bind collisions until the range is
// exhausted.
func (m *Middleman) registerPeer(peerID frame.PeerID) (*ifaceSocket, error) {
	if peerID <= frame.ServerID {
		return nil, fmt.Errorf("middleman: invalid peer id %d", peerID)
	}

	m.mu.Lock()
	if _, exists := m.peers[peerID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	m.mu.Unlock()

	for {
		port := m.nextPort()
		if port > 65535 {
			return nil, ErrBindFailed
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			continue
		}

		var remote *net.UDPAddr
		if m.cfg.Role == RoleServer {
			remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: m.cfg.ListenPort}
		}

		iface := newIfaceSocket(conn, remote, m.logger)
		iface.Start()

		m.mu.Lock()
		m.peers[peerID] = iface
		m.mu.Unlock()

		if m.cfg.OnPeerRegistered != nil {
			m.cfg.OnPeerRegistered(peerID, port)
		}
		go m.peerReadLoop(peerID, iface)
		return iface, nil
	}
}

// nextPort returns the next candidate port, strictly increasing across
// the life of the Middleman regardless of bind success.
func (m *Middleman) nextPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.nextLocalPort
	m.nextLocalPort++
	return p
}

// relayReadLoop reads frames from the relay-bound socket and dispatches
// them via handleRelayInbound.
func (m *Middleman) relayReadLoop() {
	buf := make([]byte, frame.MaxDatagram)
	for {
		m.relayConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := m.relayConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		m.handleRelayInbound(datagram)
	}
}

// handleRelayInbound implements "Inbound from Relay" in the component
// design: empty payload means registration/keep-alive for recvID, a
// non-empty payload is data for an already-registered peer socket.
func (m *Middleman) handleRelayInbound(datagram []byte) {
	recvID, payload, err := frame.Decode(datagram)
	if err != nil {
		m.logger.Printf("middleman: dropping invalid frame: %v", err)
		return
	}

	if frame.IsRegistration(payload) {
		if recvID == m.cfg.SelfID {
			return // our own registration echo / keep-alive, nothing to do
		}
		if m.cfg.Role == RoleServer {
			if _, err := m.registerPeer(recvID); err != nil && err != ErrAlreadyRegistered {
				m.logger.Printf("middleman: failed to register peer %d: %v", recvID, err)
			}
		}
		return
	}

	m.mu.Lock()
	iface := m.peers[recvID]
	m.mu.Unlock()
	if iface == nil {
		m.logger.Printf("middleman: dropping relay data for unknown peer %d", recvID)
		return
	}
	iface.Send(payload)
}

// peerReadLoop reads from one peer-bound socket (the local application's
// side) and forwards frames to the relay.
func (m *Middleman) peerReadLoop(peerID frame.PeerID, iface *ifaceSocket) {
	buf := make([]byte, frame.MaxDatagram)
	for {
		if err := iface.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}
		n, addr, err := iface.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		m.handlePeerInbound(peerID, payload, addr)
	}
}

// handlePeerInbound implements "Inbound from a peer socket": in the
// client role, the first datagram fixes the local application's source
// port for the life of the session; the frame is always wrapped and
// forwarded over the relay-bound socket.
func (m *Middleman) handlePeerInbound(peerID frame.PeerID, payload []byte, from *net.UDPAddr) {
	if m.cfg.Role == RoleClient {
		m.mu.Lock()
		iface := m.peers[peerID]
		m.mu.Unlock()
		if iface != nil {
			iface.SetRemoteOnce(from)
		}
	}

	receiverID := peerID
	if m.cfg.Role == RoleClient {
		receiverID = frame.ServerID
	}
	m.relayIface.Send(frame.Encode(receiverID, payload))
}

// Close shuts down every socket the Middleman owns.
func (m *Middleman) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.relayConn != nil {
		if err := m.relayConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, iface := range m.peers {
		if err := iface.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SelfID returns the Middleman's own peer ID (useful when derived).
func (m *Middleman) SelfID() frame.PeerID { return m.cfg.SelfID }

// PeerLocalAddr returns the local address of the peer socket allocated
// for peerID, or nil if no such socket exists yet.
func (m *Middleman) PeerLocalAddr(peerID frame.PeerID) *net.UDPAddr {
	m.mu.Lock()
	iface := m.peers[peerID]
	m.mu.Unlock()
	if iface == nil {
		return nil
	}
	if conn, ok := iface.conn.(*net.UDPConn); ok {
		return conn.LocalAddr().(*net.UDPAddr)
	}
	return nil
}
