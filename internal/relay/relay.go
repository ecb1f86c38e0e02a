// Package relay implements the single-socket UDP forwarder: it parses
// every datagram, maintains the peer registry, rewrites the peer ID field
// appropriately, and keeps NAT bindings alive with a periodic keep-alive
// frame.
package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/nixrelay/turnrelay/internal/frame"
	"github.com/nixrelay/turnrelay/internal/netconn"
	"github.com/nixrelay/turnrelay/internal/peerreg"
)

// keepAliveInterval is how often the Relay scans the registry for records
// that have not seen outbound traffic recently.
const keepAliveInterval = 1 * time.Second

// Event is a notable occurrence on the Relay, published to an optional
// EventSink for the monitoring endpoint to relay over /ws.
type Event struct {
	Type    string // "registered", "re-registered", "keepalive", "dropped"
	PeerID  frame.PeerID
	Addr    string
	Message string
}

// EventSink receives Events. internal/monitor.Hub implements this.
type EventSink interface {
	Publish(evt Event)
}

// Options configures a Relay.
type Options struct {
	// Direct enables the direct-mode passthrough path for unframed
	// datagrams (see ServePacket).
	Direct bool

	// Logger receives verbose, per-datagram trace lines. If nil, a
	// discarding logger is used, matching cmd/signaling/main.go's
	// verbose/non-verbose split.
	Logger *log.Logger
}

// Relay is the TURN-like forwarder bound to one UDP socket.
type Relay struct {
	conn   netconn.Conn
	reg    *peerreg.Registry
	direct bool
	logger *log.Logger
	sink   EventSink

	// clientPortMap is only populated in direct mode: it maps the UDP
	// source port of an unframed client to the synthetic peer ID
	// (the port zero-extended into the 32-bit peer ID space) registered
	// for it in reg. directIDs records which registry entries are
	// direct-mode peers, so server->client forwarding knows to strip the
	// frame header instead of passing the datagram through verbatim.
	clientPortMap map[uint16]frame.PeerID
	directIDs     map[frame.PeerID]struct{}
}

// New constructs a Relay bound to conn (typically a *net.UDPConn already
// listening on the relay port).
func New(conn netconn.Conn, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Relay{
		conn:          conn,
		reg:           peerreg.New(),
		direct:        opts.Direct,
		logger:        logger,
		clientPortMap: make(map[uint16]frame.PeerID),
		directIDs:     make(map[frame.PeerID]struct{}),
	}
}

// Registry exposes the underlying peer registry, e.g. for the monitor's
// /api/stats handler.
func (r *Relay) Registry() *peerreg.Registry { return r.reg }

// SetEventSink wires an optional sink for monitoring events. Passing nil
// disables publishing.
func (r *Relay) SetEventSink(sink EventSink) { r.sink = sink }

func (r *Relay) publish(evt Event) {
	if r.sink != nil {
		r.sink.Publish(evt)
	}
}

func (r *Relay) logf(format string, args ...interface{}) {
	r.logger.Printf(format, args...)
}

// send writes b to addr, logging and dropping on failure. Relay/middleman
// sends are always best-effort; see the error handling design note on
// write errors never being fatal.
func (r *Relay) send(b []byte, addr *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(b, addr); err != nil {
		r.logf("relay: write to %s failed: %v", addr, err)
	}
}

// ServePacket is the single entry point for an inbound datagram, called
// from the read loop in Run. It decides between framed and direct-mode
// handling based solely on whether the datagram begins with frame.Prefix
// -- an explicit protocol assumption (see design notes) that no
// application payload in direct mode will ever coincide with that prefix.
func (r *Relay) ServePacket(datagram []byte, sender *net.UDPAddr) {
	id, payload, err := frame.Decode(datagram)
	if err != nil {
		if r.direct {
			r.serveDirect(datagram, sender)
			return
		}
		r.logf("relay: dropping invalid frame from %s: %v", sender, err)
		r.publish(Event{Type: "dropped", Addr: sender.String(), Message: err.Error()})
		return
	}

	if frame.IsRegistration(payload) {
		r.handleRegistration(id, sender)
		return
	}
	r.handleData(id, payload, sender, datagram)
}

// handleRegistration processes an empty-payload frame. The peer_id in a
// registration frame names the registering peer itself (the dual-meaning
// quirk of the ID field: sender on registration, receiver on data).
func (r *Relay) handleRegistration(id frame.PeerID, sender *net.UDPAddr) {
	if id != frame.ServerID {
		srv, ok := r.reg.Lookup(frame.ServerID)
		if !ok {
			r.logf("relay: registration for peer %d dropped: %v", id, ErrServerNotRegistered)
			r.publish(Event{Type: "dropped", PeerID: id, Addr: sender.String(), Message: ErrServerNotRegistered.Error()})
			return
		}
		r.send(frame.Encode(id, nil), srv.Addr)
		r.reg.Touch(frame.ServerID)
	}

	_, existed := r.reg.Register(id, sender)
	if existed {
		r.logf("relay: peer %d re-registered from %s", id, sender)
		r.publish(Event{Type: "re-registered", PeerID: id, Addr: sender.String()})
	} else {
		fmt.Printf("relay: peer %d registered from %s\n", id, sender)
		r.publish(Event{Type: "registered", PeerID: id, Addr: sender.String()})
	}

	r.send(frame.Encode(id, nil), sender)
	r.reg.Touch(id)
}

// handleData processes a non-empty-payload frame. id names the receiver:
// the frame travels toward whichever Record it names.
func (r *Relay) handleData(id frame.PeerID, payload []byte, sender *net.UDPAddr, raw []byte) {
	rec, ok := r.reg.Lookup(id)
	if !ok {
		r.logf("relay: dropping data for unknown peer %d: %v", id, ErrUnknownPeer)
		r.publish(Event{Type: "dropped", PeerID: id, Addr: sender.String(), Message: ErrUnknownPeer.Error()})
		return
	}

	if id != frame.ServerID {
		// Server -> client: the id field already names the receiving
		// client. A direct-mode client never speaks the framed protocol,
		// so its payload is written back raw; a framed client gets the
		// datagram forwarded verbatim.
		if _, direct := r.directIDs[id]; direct {
			r.send(payload, rec.Addr)
		} else {
			r.send(raw, rec.Addr)
		}
		r.reg.Touch(id)
		return
	}

	// Client -> server: id names the server as receiver; recover the
	// sender's own id via the reverse index and rewrite the frame so the
	// server sees who it's from.
	senderID, ok := r.reg.LookupByAddr(sender)
	if !ok {
		r.logf("relay: dropping data from unregistered sender %s", sender)
		r.publish(Event{Type: "dropped", PeerID: id, Addr: sender.String(), Message: "data from unregistered sender"})
		return
	}
	r.send(frame.Encode(senderID, payload), rec.Addr)
	r.reg.Touch(frame.ServerID)
}

// serveDirect handles a datagram that failed to decode as a framed
// message, treating it as raw direct-mode client traffic keyed by UDP
// source port.
func (r *Relay) serveDirect(datagram []byte, sender *net.UDPAddr) {
	srcPort := uint16(sender.Port)
	pseudoID := frame.PeerID(srcPort)

	if _, known := r.clientPortMap[srcPort]; !known {
		srv, ok := r.reg.Lookup(frame.ServerID)
		if !ok {
			r.logf("relay: direct-mode traffic from %s dropped: %v", sender, ErrServerNotRegistered)
			r.publish(Event{Type: "dropped", PeerID: pseudoID, Addr: sender.String(), Message: ErrServerNotRegistered.Error()})
			return
		}
		r.clientPortMap[srcPort] = pseudoID
		r.directIDs[pseudoID] = struct{}{}
		r.reg.Register(pseudoID, sender)
		r.send(frame.Encode(pseudoID, nil), srv.Addr)
		r.reg.Touch(frame.ServerID)
		fmt.Printf("relay: direct-mode peer %d registered from %s\n", pseudoID, sender)
		r.publish(Event{Type: "registered", PeerID: pseudoID, Addr: sender.String()})
	}

	srv, ok := r.reg.Lookup(frame.ServerID)
	if !ok {
		return
	}
	r.send(frame.Encode(pseudoID, datagram), srv.Addr)
	r.reg.Touch(frame.ServerID)
}

// Run drives the Relay's read loop and keep-alive ticker until ctx is
// cancelled. It owns conn's lifetime only for reading; callers close conn
// themselves.
func (r *Relay) Run(ctx context.Context) error {
	go r.runKeepAlive(ctx)

	buf := make([]byte, frame.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		r.ServePacket(datagram, addr)
	}
}

// runKeepAlive periodically refreshes NAT bindings for stale records.
func (r *Relay) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-keepAliveInterval)
			for _, entry := range r.reg.StaleSince(cutoff) {
				r.send(frame.Encode(entry.ID, nil), entry.Addr)
				r.reg.Touch(entry.ID)
				r.publish(Event{Type: "keepalive", PeerID: entry.ID, Addr: entry.Addr.String()})
			}
		}
	}
}
