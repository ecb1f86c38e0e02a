package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nixrelay/turnrelay/internal/frame"
)

// fakeConn is a minimal netconn.Conn that records every write instead of
// touching a real socket, in the spirit of the teacher's MockConn.
type fakeConn struct {
	mu    sync.Mutex
	sends []sentDatagram
}

type sentDatagram struct {
	data []byte
	addr *net.UDPAddr
}

func (f *fakeConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.sends = append(f.sends, sentDatagram{data: cp, addr: addr})
	return len(b), nil
}

func (f *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	<-make(chan struct{}) // never returns; Run isn't exercised by these tests
	return 0, nil, nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (f *fakeConn) Close() error                      { return nil }

func (f *fakeConn) sentTo(addr *net.UDPAddr) []sentDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentDatagram
	for _, s := range f.sends {
		if s.addr.String() == addr.String() {
			out = append(out, s)
		}
	}
	return out
}

// fakeSink records every Event published to it, in the spirit of fakeConn.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeSink) Publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *fakeSink) ofType(typ string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func TestRegistrationHandshake(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)

	rec, ok := r.Registry().Lookup(frame.ServerID)
	if !ok || rec.Addr.String() != srv.String() {
		t.Fatalf("server not registered: %v, %v", rec, ok)
	}

	sent := conn.sentTo(srv)
	if len(sent) != 1 {
		t.Fatalf("expected 1 datagram to server, got %d", len(sent))
	}
	gotID, payload, err := frame.Decode(sent[0].data)
	if err != nil || gotID != frame.ServerID || len(payload) != 0 {
		t.Errorf("echo frame = %x, decode err = %v", sent[0].data, err)
	}
}

func TestClientRegistrationNotifiesServer(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")
	cli := udpAddr(t, "127.0.0.1:9002")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)
	r.ServePacket(frame.Encode(42, nil), cli)

	srvSends := conn.sentTo(srv)
	if len(srvSends) != 2 { // echo to server's own registration, then notify of client 42
		t.Fatalf("expected 2 datagrams to server, got %d", len(srvSends))
	}
	id, payload, _ := frame.Decode(srvSends[1].data)
	if id != 42 || len(payload) != 0 {
		t.Errorf("server notification = id %d payload %x, want id 42 empty payload", id, payload)
	}

	cliSends := conn.sentTo(cli)
	if len(cliSends) != 1 {
		t.Fatalf("expected 1 datagram to client, got %d", len(cliSends))
	}
	id, payload, _ = frame.Decode(cliSends[0].data)
	if id != 42 || len(payload) != 0 {
		t.Errorf("client echo = id %d payload %x, want id 42 empty payload", id, payload)
	}

	if _, ok := r.Registry().Lookup(frame.ServerID); !ok {
		t.Error("server should be registered")
	}
	if rec, ok := r.Registry().Lookup(42); !ok || rec.Addr.String() != cli.String() {
		t.Error("client 42 should be registered at cli addr")
	}
}

func TestClientToServerDataRewrite(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")
	cli := udpAddr(t, "127.0.0.1:9002")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)
	r.ServePacket(frame.Encode(42, nil), cli)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	r.ServePacket(frame.Encode(frame.ServerID, payload), cli)

	srvSends := conn.sentTo(srv)
	last := srvSends[len(srvSends)-1]
	gotID, gotPayload, err := frame.Decode(last.data)
	if err != nil || gotID != 42 || string(gotPayload) != string(payload) {
		t.Errorf("relayed frame = id %d payload %x err %v, want id 42 payload %x", gotID, gotPayload, err, payload)
	}
}

func TestServerToClientPassthrough(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")
	cli := udpAddr(t, "127.0.0.1:9002")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)
	r.ServePacket(frame.Encode(42, nil), cli)

	payload := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	inbound := frame.Encode(42, payload)
	r.ServePacket(inbound, srv)

	cliSends := conn.sentTo(cli)
	last := cliSends[len(cliSends)-1]
	if string(last.data) != string(inbound) {
		t.Errorf("client datagram = %x, want verbatim %x", last.data, inbound)
	}
}

func TestKeepAliveRefreshesStaleRecord(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)

	// Force staleness without sleeping: ask StaleSince for a cutoff later
	// than "now", then perform one keep-alive tick's send-and-Touch by hand.
	cutoff := time.Now().Add(time.Hour)
	stale := r.Registry().StaleSince(cutoff)
	if len(stale) != 1 || stale[0].ID != frame.ServerID {
		t.Fatalf("expected server to be considered stale against a future cutoff, got %v", stale)
	}

	before := len(conn.sentTo(srv))
	for _, entry := range stale {
		r.send(frame.Encode(entry.ID, nil), entry.Addr)
		r.Registry().Touch(entry.ID)
	}
	after := conn.sentTo(srv)
	if len(after) != before+1 {
		t.Fatalf("expected one additional keep-alive datagram, got %d -> %d", before, len(after))
	}
}

func TestDataForUnknownPeerIsDropped(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")
	stranger := udpAddr(t, "127.0.0.1:9999")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)
	r.ServePacket(frame.Encode(99, []byte("hi")), stranger)

	if len(conn.sentTo(stranger)) != 0 {
		t.Error("no datagram should be sent for an unregistered peer")
	}
}

func TestClientRegistrationBeforeServerIsDropped(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	cli := udpAddr(t, "127.0.0.1:9002")

	r.ServePacket(frame.Encode(42, nil), cli)

	if _, ok := r.Registry().Lookup(42); ok {
		t.Error("client should not be registered when the server hasn't registered yet")
	}
	if len(conn.sentTo(cli)) != 0 {
		t.Error("no datagram should be echoed back to a premature client registration")
	}
}

func TestReRegistrationOverwritesAddress(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	srv := udpAddr(t, "127.0.0.1:9001")
	newSrv := udpAddr(t, "127.0.0.1:9005")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)
	r.ServePacket(frame.Encode(frame.ServerID, nil), newSrv)

	rec, ok := r.Registry().Lookup(frame.ServerID)
	if !ok || rec.Addr.String() != newSrv.String() {
		t.Errorf("server record should point at newSrv after re-registration, got %v", rec)
	}
	if _, ok := r.Registry().LookupByAddr(srv); ok {
		t.Error("old server address should no longer resolve")
	}
}

func TestDroppedDatagramsArePublished(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{})
	sink := &fakeSink{}
	r.SetEventSink(sink)

	srv := udpAddr(t, "127.0.0.1:9001")
	stranger := udpAddr(t, "127.0.0.1:9999")

	// Invalid frame, no direct mode: dropped at ServePacket's decode check.
	r.ServePacket([]byte("not a frame"), stranger)

	// Registration for a non-server peer before the server exists.
	r.ServePacket(frame.Encode(42, nil), stranger)

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)

	// Data addressed to a peer that was never registered.
	r.ServePacket(frame.Encode(99, []byte("hi")), stranger)

	// Data addressed to the server but sent from an unregistered address.
	r.ServePacket(frame.Encode(frame.ServerID, []byte("hi")), stranger)

	dropped := sink.ofType("dropped")
	if len(dropped) != 4 {
		t.Fatalf("expected 4 dropped events, got %d: %+v", len(dropped), dropped)
	}
	for _, evt := range dropped {
		if evt.Message == "" {
			t.Errorf("dropped event %+v should carry a message", evt)
		}
	}
}

func TestDroppedEventPublishedInDirectMode(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{Direct: true})
	sink := &fakeSink{}
	r.SetEventSink(sink)

	cli := udpAddr(t, "127.0.0.1:33333")

	// Direct-mode traffic arrives before the server has registered.
	r.ServePacket([]byte("unframed-ping"), cli)

	dropped := sink.ofType("dropped")
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped event, got %d: %+v", len(dropped), dropped)
	}
}

func TestDirectModePassthrough(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn, Options{Direct: true})
	srv := udpAddr(t, "127.0.0.1:9001")
	cli := udpAddr(t, "127.0.0.1:33333")

	r.ServePacket(frame.Encode(frame.ServerID, nil), srv)

	raw := []byte("unframed-ping")
	r.ServePacket(raw, cli)

	pseudoID := frame.PeerID(cli.Port)
	if _, ok := r.Registry().Lookup(pseudoID); !ok {
		t.Fatal("direct-mode client should be registered under its source port")
	}

	srvSends := conn.sentTo(srv)
	last := srvSends[len(srvSends)-1]
	gotID, payload, err := frame.Decode(last.data)
	if err != nil || gotID != pseudoID || string(payload) != string(raw) {
		t.Errorf("wrapped direct-mode frame = id %d payload %q err %v", gotID, payload, err)
	}

	// Server replies addressed to the synthetic peer id; client should
	// receive the raw, unframed payload.
	reply := []byte("unframed-pong")
	r.ServePacket(frame.Encode(pseudoID, reply), srv)

	cliSends := conn.sentTo(cli)
	lastCli := cliSends[len(cliSends)-1]
	if string(lastCli.data) != string(reply) {
		t.Errorf("client should receive raw reply %q, got %q", reply, lastCli.data)
	}
}
