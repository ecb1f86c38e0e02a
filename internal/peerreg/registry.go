// Package peerreg implements the Relay's peer registry: a peer-ID-keyed
// map of registered peers plus a reverse address index, guarded by a single
// RWMutex in the style of the teacher's internal/signaling.Registry.
package peerreg

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nixrelay/turnrelay/internal/frame"
)

// Record is the Relay-side bookkeeping for one registered peer.
type Record struct {
	Addr     *net.UDPAddr
	LastSent time.Time
	IsServer bool
}

// Entry is a point-in-time copy of a Record, safe to use after the
// registry's lock has been released.
type Entry struct {
	ID   frame.PeerID
	Addr *net.UDPAddr
}

// Registry maps peer IDs to Records and maintains a reverse addr->id index
// so that client->server frame rewriting is O(1) instead of the linear
// scan the original implementation performed.
type Registry struct {
	mu     sync.RWMutex
	byID   map[frame.PeerID]*Record
	byAddr map[string]frame.PeerID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[frame.PeerID]*Record),
		byAddr: make(map[string]frame.PeerID),
	}
}

// Register inserts or overwrites the Record for id. It reports whether a
// Record for id already existed (the caller logs "re-registered" for that
// case). Re-registration from a new address silently invalidates the old
// reverse-index entry.
func (r *Registry) Register(id frame.PeerID, addr *net.UDPAddr) (rec *Record, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[id]; ok {
		existed = true
		delete(r.byAddr, old.Addr.String())
	}

	rec = &Record{
		Addr:     addr,
		LastSent: time.Now(),
		IsServer: id == frame.ServerID,
	}
	r.byID[id] = rec
	r.byAddr[addr.String()] = id
	return rec, existed
}

// Lookup returns the Record for id, if any.
func (r *Registry) Lookup(id frame.PeerID) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// LookupByAddr resolves addr back to a peer ID via the reverse index.
func (r *Registry) LookupByAddr(addr *net.UDPAddr) (frame.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr.String()]
	return id, ok
}

// Touch updates the last-outbound timestamp for id. It is a no-op if id
// is not registered.
func (r *Registry) Touch(id frame.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.LastSent = time.Now()
	}
}

// ForEach calls fn for every Record while holding a read lock. fn must not
// mutate the Registry.
func (r *Registry) ForEach(fn func(id frame.PeerID, rec *Record)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rec := range r.byID {
		fn(id, rec)
	}
}

// StaleSince returns a snapshot of every Record whose LastSent predates
// cutoff, for use by the keep-alive ticker. It is returned as copies so
// the caller can send and Touch without holding the Registry's lock.
func (r *Registry) StaleSince(cutoff time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for id, rec := range r.byID {
		if rec.LastSent.Before(cutoff) {
			out = append(out, Entry{ID: id, Addr: rec.Addr})
		}
	}
	return out
}

// PeerStat is the JSON-friendly snapshot of a single Record for the
// monitoring endpoint.
type PeerStat struct {
	ID            frame.PeerID `json:"id"`
	Addr          string       `json:"addr"`
	IsServer      bool         `json:"is_server"`
	LastSeenAgoMS int64        `json:"last_seen_ms_ago"`
}

// Stats is the JSON-friendly snapshot of the whole Registry.
type Stats struct {
	PeerCount int        `json:"peer_count"`
	Peers     []PeerStat `json:"peers"`
}

func (s Stats) String() string {
	return fmt.Sprintf("peers=%d", s.PeerCount)
}

// Stats returns a snapshot suitable for the monitor's /api/stats handler.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := Stats{PeerCount: len(r.byID), Peers: make([]PeerStat, 0, len(r.byID))}
	for id, rec := range r.byID {
		out.Peers = append(out.Peers, PeerStat{
			ID:            id,
			Addr:          rec.Addr.String(),
			IsServer:      rec.IsServer,
			LastSeenAgoMS: now.Sub(rec.LastSent).Milliseconds(),
		})
	}
	return out
}
