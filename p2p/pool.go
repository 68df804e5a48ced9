package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// AdmitResult is the outcome of asking the pool to admit a peer, the
// enumeration the connector and inbound-connection handler both switch on
// to decide whether to keep a physical connection open.
type AdmitResult int

const (
	AdmitSuccess AdmitResult = iota
	AdmitLowScore
	AdmitNoSpace
	AdmitDuplicate
	AdmitDeadPeer
)

func (r AdmitResult) String() string {
	switch r {
	case AdmitSuccess:
		return "success"
	case AdmitLowScore:
		return "low_score"
	case AdmitNoSpace:
		return "no_space"
	case AdmitDuplicate:
		return "duplicate"
	case AdmitDeadPeer:
		return "dead_peer"
	default:
		return "unknown"
	}
}

// PeerCountChanged is invoked whenever the pool's active peer count, split
// by direction, changes -- the hook the mesh monitor and metrics use to
// stay current without polling.
type PeerCountChanged func(inbound, outbound int)

// Pool is the bounded multiset of active peers the design's peer pool
// section describes: it tracks directional sub-counts against MaxPeers and
// InboundRatio, and gates admission without itself owning connection
// lifecycle (Network.transitionPeer calls into it on every state change).
type Pool struct {
	mu    sync.Mutex
	peers map[peer.ID]*Peer

	maxPeers     int
	inboundRatio float64

	onCountChanged PeerCountChanged
	onDelete       func(p *Peer)

	m *Metrics
}

// NewPool builds an empty pool bounded by maxPeers total connections, with
// at most maxPeers*inboundRatio of them inbound.
func NewPool(maxPeers int, inboundRatio float64, m *Metrics) *Pool {
	return &Pool{
		peers:        make(map[peer.ID]*Peer),
		maxPeers:     maxPeers,
		inboundRatio: inboundRatio,
		m:            m,
	}
}

func (p *Pool) SetOnCountChanged(fn PeerCountChanged) { p.onCountChanged = fn }
func (p *Pool) SetOnDelete(fn func(p *Peer))          { p.onDelete = fn }

// Get returns the tracked peer for id, if any.
func (p *Pool) Get(id peer.ID) (*Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[id]
	return peer, ok
}

// GetOrCreate returns the existing tracked peer for id, or creates and
// tracks a new one in StateNone. The second return is true when a new peer
// was created.
func (p *Pool) GetOrCreate(id peer.ID, newFn func() *Peer) (*Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.peers[id]; ok {
		return existing, false
	}
	created := newFn()
	p.peers[id] = created
	return created, true
}

// Admit decides whether a newly-Connecting peer may occupy a pool slot,
// applying the admission policy: dead (permanently failed) peers and
// peers already below the disconnect score threshold are refused outright,
// duplicates of an already-active peer are refused, and otherwise the slot
// is granted only if the directional quota has room.
func (p *Pool) Admit(existing *Peer, dir Direction) AdmitResult {
	if existing != nil {
		if existing.State() == StateConnecting || existing.State() == StateConnected {
			return AdmitDuplicate
		}
		if existing.Score() <= scoreLowLimit {
			return AdmitDeadPeer
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inbound, outbound := p.countsLocked()
	total := inbound + outbound
	if total >= p.maxPeers {
		return AdmitNoSpace
	}
	if dir == DirInbound {
		maxInbound := int(float64(p.maxPeers) * p.inboundRatio)
		if inbound >= maxInbound {
			return AdmitNoSpace
		}
	}
	return AdmitSuccess
}

func (p *Pool) countsLocked() (inbound, outbound int) {
	for _, peer := range p.peers {
		if !peer.Active() {
			continue
		}
		switch peer.Direction() {
		case DirInbound:
			inbound++
		case DirOutbound:
			outbound++
		}
	}
	return
}

// NotifyCountChanged recomputes directional counts and invokes the
// registered callback and metrics. Called by Network after every
// connection-state transition.
func (p *Pool) NotifyCountChanged() {
	p.mu.Lock()
	inbound, outbound := p.countsLocked()
	p.mu.Unlock()

	p.m.SetPoolPeers("inbound", inbound)
	p.m.SetPoolPeers("outbound", outbound)
	if p.onCountChanged != nil {
		p.onCountChanged(inbound, outbound)
	}
}

// Remove drops id from the pool and invokes the on-delete hook. Called once
// a peer reaches StateDisconnected with no remaining duplicate connections.
func (p *Pool) Remove(id peer.ID) {
	p.mu.Lock()
	peer, ok := p.peers[id]
	if ok {
		delete(p.peers, id)
	}
	p.mu.Unlock()
	if ok && p.onDelete != nil {
		p.onDelete(peer)
	}
}

// Active returns every peer currently Connecting or Connected.
func (p *Pool) Active() []*Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		if peer.Active() {
			out = append(out, peer)
		}
	}
	return out
}

// Len returns the total number of tracked peers, active or not (a
// recently-disconnected peer stays tracked briefly until Remove is called).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}
