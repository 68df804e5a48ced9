package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolDescriptor declaratively mounts one inbound Req/Resp protocol
// (or any other per-peer/per-network stateful concern, e.g. the metadata
// pinger) the way the design's protocol registry section specifies: a
// name, a set of message types it carries, connect/disconnect hooks, and
// initializers for per-peer and per-network state slots.
//
// Index is assigned by Registry.Register and is process-wide dense, so
// accessing a peer's state for this protocol becomes an array index
// (Peer.ProtocolState(desc.Index)) rather than a map lookup.
type ProtocolDescriptor struct {
	Name     string
	Messages []MessageType

	// OnPeerConnected runs once all descriptors' hooks have completed for
	// a peer's Connecting -> Connected transition. A non-nil error aborts
	// the transition: the peer is disconnected instead of promoted.
	OnPeerConnected func(ctx context.Context, peer *Peer) error
	// OnPeerDisconnected runs once, when a peer reaches StateDisconnected.
	OnPeerDisconnected func(peer *Peer)

	// PerPeerStateInit, if non-nil, produces the initial per-peer state
	// slot value; stored at Peer.protocolState[Index].
	PerPeerStateInit func() interface{}
	// PerNetworkStateInit, if non-nil, produces the initial per-network
	// state, held once on the Registry entry.
	PerNetworkStateInit func() interface{}

	Index int // assigned by Register; read-only to callers.
}

// MessageType describes one SSZ message carried by a protocol, enough for
// the chunk codec to bound and context-tag it without knowing its schema.
type MessageType struct {
	Name         string
	Version      string
	MaxChunkSize uint64
	HasContext   bool
	// IsList marks a message whose response is a sequence of chunks
	// terminated by clean EOF rather than exactly one chunk.
	IsList bool
}

func (m MessageType) ChunkMaxSize() uint64   { return m.MaxChunkSize }
func (m MessageType) HasContextBytes() bool  { return m.HasContext }

// ProtocolID renders the libp2p stream protocol identifier for a message
// type mounted under a protocol name:
// "/eth2/beacon_chain/req/<name>/<version>/ssz_snappy".
func ProtocolID(name string, msg MessageType) protocol.ID {
	return protocol.ID(fmt.Sprintf("/eth2/beacon_chain/req/%s/%s/ssz_snappy", name, msg.Version))
}

// Registry assigns dense indices to registered protocols and holds their
// per-network state. It is populated once at orchestrator Start and never
// mutated afterward, so reads need no locking.
type Registry struct {
	descriptors  []*ProtocolDescriptor
	networkState []interface{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns desc the next dense index, initializes its
// per-network state slot, and returns the assigned index. Registering the
// same *ProtocolDescriptor twice, or failing PerNetworkStateInit, is a
// mount-time programming error and panics rather than returning an error
// a caller might ignore.
func (r *Registry) Register(desc *ProtocolDescriptor) int {
	for _, existing := range r.descriptors {
		if existing == desc {
			panic(fmt.Sprintf("p2p: protocol %q registered twice", desc.Name))
		}
	}
	idx := len(r.descriptors)
	desc.Index = idx
	r.descriptors = append(r.descriptors, desc)
	var state interface{}
	if desc.PerNetworkStateInit != nil {
		state = desc.PerNetworkStateInit()
	}
	r.networkState = append(r.networkState, state)
	return idx
}

// Descriptors returns the registered protocols in registration order.
func (r *Registry) Descriptors() []*ProtocolDescriptor {
	return r.descriptors
}

// NetworkState returns the per-network state slot for the descriptor at
// idx.
func (r *Registry) NetworkState(idx int) interface{} {
	if idx < 0 || idx >= len(r.networkState) {
		return nil
	}
	return r.networkState[idx]
}

// SlotCount returns the number of registered protocols, i.e. the size a
// new Peer's per-protocol state row should be allocated with.
func (r *Registry) SlotCount() int {
	return len(r.descriptors)
}

// runConnectHooks invokes every descriptor's OnPeerConnected in
// registration order, stopping at the first error. This is the gate
// between StateConnecting and StateConnected: the transition completes
// only once every hook has succeeded.
func (r *Registry) runConnectHooks(ctx context.Context, p *Peer) error {
	for _, d := range r.descriptors {
		if d.PerPeerStateInit != nil && p.ProtocolState(d.Index) == nil {
			p.SetProtocolState(d.Index, d.PerPeerStateInit())
		}
		if d.OnPeerConnected != nil {
			if err := d.OnPeerConnected(ctx, p); err != nil {
				return fmt.Errorf("protocol %q connect hook: %w", d.Name, err)
			}
		}
	}
	return nil
}

// runDisconnectHooks invokes every descriptor's OnPeerDisconnected,
// best-effort, once a peer reaches StateDisconnected.
func (r *Registry) runDisconnectHooks(p *Peer) {
	for _, d := range r.descriptors {
		if d.OnPeerDisconnected != nil {
			d.OnPeerDisconnected(p)
		}
	}
}

// protocolIDSet collects the libp2p protocol.IDs a registry mounts, for
// handler registration against the libp2p host.
func (r *Registry) protocolIDSet() map[protocol.ID]*ProtocolDescriptor {
	out := make(map[protocol.ID]*ProtocolDescriptor)
	for _, d := range r.descriptors {
		for _, msg := range d.Messages {
			out[ProtocolID(d.Name, msg)] = d
		}
	}
	return out
}

// peerLookup is the narrow interface the Req/Resp engine and protocol
// hooks need to resolve a peer.ID to a *Peer without depending on the
// full Network type (keeps this file's test surface small).
type peerLookup interface {
	Peer(id peer.ID) (*Peer, bool)
}
