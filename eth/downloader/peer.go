// Copyright 2024 The ethcore authors.
// This file is part of the ethcore library.

package downloader

import (
	"sync"
	"time"

	"github.com/parity-go/ethcore/internal/config"
)

// Capability is the peer's advertised protocol capability, used to decide
// request sizing: full-capability peers may be asked for more bodies per
// request than peers below the known capability threshold.
type Capability int

const (
	CapabilityFull Capability = iota
	CapabilityLow
)

// Peer tracks per-peer download state: what is currently outstanding and a
// rolling estimate of round-trip time, used to prioritize re-requests after
// a timeout.
type Peer struct {
	ID         string
	Capability Capability

	mu              sync.Mutex
	headersInFlight bool
	bodiesInFlight  bool
	receiptsInFlight bool
	rtt             time.Duration // exponential moving average
}

// NewPeer creates a peer with an initial RTT estimate of the configured
// timeout, the way a fresh TCP connection has no history to prioritize on.
func NewPeer(id string, cap Capability) *Peer {
	return &Peer{ID: id, Capability: cap, rtt: config.PeerTimeout}
}

// BodiesLimit returns the maximum bodies this peer may be asked for in one
// request, honoring the low-capability cap.
func (p *Peer) BodiesLimit(cfg config.DownloaderConfig) int {
	if p.Capability == CapabilityLow {
		return cfg.LowCapBodiesLimit
	}
	return cfg.MaxBodiesToRequest
}

// beginRequest marks the peer busy for the given request kind, returning
// errBusy if one of that kind is already outstanding.
func (p *Peer) beginRequest(kind requestKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch kind {
	case requestHeaders:
		if p.headersInFlight {
			return errBusy
		}
		p.headersInFlight = true
	case requestBodies:
		if p.bodiesInFlight {
			return errBusy
		}
		p.bodiesInFlight = true
	case requestReceipts:
		if p.receiptsInFlight {
			return errBusy
		}
		p.receiptsInFlight = true
	}
	return nil
}

// endRequest clears the in-flight flag and folds the observed latency into
// the peer's rolling RTT estimate (alpha = 1/8, the classic TCP SRTT weight).
func (p *Peer) endRequest(kind requestKind, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch kind {
	case requestHeaders:
		p.headersInFlight = false
	case requestBodies:
		p.bodiesInFlight = false
	case requestReceipts:
		p.receiptsInFlight = false
	}
	p.rtt = p.rtt - p.rtt/8 + elapsed/8
}

// RTT returns the peer's current round-trip estimate.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

type requestKind int

const (
	requestHeaders requestKind = iota
	requestBodies
	requestReceipts
)

// PeerSet is the registry of peers a downloader round considers.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerSet creates an empty peer registry.
func NewPeerSet() *PeerSet { return &PeerSet{peers: make(map[string]*Peer)} }

// Register adds or replaces a peer.
func (s *PeerSet) Register(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
}

// Unregister drops a peer, e.g. on disconnect or ban.
func (s *PeerSet) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// Get returns the peer with the given id, or nil.
func (s *PeerSet) Get(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Len reports how many peers are registered.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Best returns the lowest-RTT peer, preferring full-capability peers over
// low-capability ones, for prioritizing re-requests after a timeout.
func (s *PeerSet) Best() *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Peer
	for _, p := range s.peers {
		if best == nil {
			best = p
			continue
		}
		if p.Capability != best.Capability {
			if p.Capability == CapabilityFull {
				best = p
			}
			continue
		}
		if p.RTT() < best.RTT() {
			best = p
		}
	}
	return best
}

// AllIdle returns the ids of all peers with no request outstanding.
func (s *PeerSet) AllIdle() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, p := range s.peers {
		p.mu.Lock()
		idle := !p.headersInFlight && !p.bodiesInFlight && !p.receiptsInFlight
		p.mu.Unlock()
		if idle {
			out = append(out, id)
		}
	}
	return out
}
