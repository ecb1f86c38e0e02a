package peerreg

import (
	"net"
	"testing"
	"time"

	"github.com/nixrelay/turnrelay/internal/frame"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	srv := mustAddr(t, "127.0.0.1:6942")

	rec, existed := r.Register(frame.ServerID, srv)
	if existed {
		t.Fatal("first registration should not report existed")
	}
	if !rec.IsServer {
		t.Error("record for SERVER_ID should have IsServer = true")
	}

	got, ok := r.Lookup(frame.ServerID)
	if !ok || got.Addr.String() != srv.String() {
		t.Errorf("Lookup(SERVER_ID) = %v, %v", got, ok)
	}

	id, ok := r.LookupByAddr(srv)
	if !ok || id != frame.ServerID {
		t.Errorf("LookupByAddr(srv) = %d, %v", id, ok)
	}
}

func TestReRegisterInvalidatesOldAddr(t *testing.T) {
	r := New()
	addr1 := mustAddr(t, "127.0.0.1:1111")
	addr2 := mustAddr(t, "127.0.0.1:2222")

	r.Register(42, addr1)
	_, existed := r.Register(42, addr2)
	if !existed {
		t.Error("second registration for the same id should report existed")
	}

	if _, ok := r.LookupByAddr(addr1); ok {
		t.Error("old address should no longer resolve")
	}
	id, ok := r.LookupByAddr(addr2)
	if !ok || id != 42 {
		t.Errorf("new address should resolve to 42, got %d, %v", id, ok)
	}
}

func TestTouchUpdatesLastSent(t *testing.T) {
	r := New()
	addr := mustAddr(t, "127.0.0.1:3333")
	r.Register(7, addr)

	rec, _ := r.Lookup(7)
	before := rec.LastSent

	time.Sleep(2 * time.Millisecond)
	r.Touch(7)

	rec, _ = r.Lookup(7)
	if !rec.LastSent.After(before) {
		t.Error("Touch should advance LastSent")
	}
}

func TestStaleSince(t *testing.T) {
	r := New()
	addr := mustAddr(t, "127.0.0.1:4444")
	r.Register(9, addr)

	// Not stale relative to a cutoff in the past.
	stale := r.StaleSince(time.Now().Add(-time.Hour))
	if len(stale) != 0 {
		t.Errorf("expected no stale entries, got %d", len(stale))
	}

	// Stale relative to a cutoff in the future.
	stale = r.StaleSince(time.Now().Add(time.Hour))
	if len(stale) != 1 || stale[0].ID != 9 {
		t.Errorf("expected one stale entry for id 9, got %v", stale)
	}
}

func TestStats(t *testing.T) {
	r := New()
	r.Register(frame.ServerID, mustAddr(t, "127.0.0.1:6942"))
	r.Register(42, mustAddr(t, "127.0.0.1:7000"))

	stats := r.Stats()
	if stats.PeerCount != 2 {
		t.Errorf("PeerCount = %d, want 2", stats.PeerCount)
	}
}
