package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
)

// ForkDigest is the 4-byte fork identifier mixed into the ENR eth2 entry
// and into every Req/Resp context-bytes field.
type ForkDigest [4]byte

// Eth2ENREntry is the "eth2" key's payload: fork digest, next fork
// version/epoch. It implements enr.Entry so it round-trips through
// go-ethereum's ENR codec exactly like any other entry.
type Eth2ENREntry struct {
	ForkDigest      ForkDigest
	NextForkVersion [4]byte
	NextForkEpoch   uint64
}

func (Eth2ENREntry) ENRKey() string { return "eth2" }

// AddrRecord wraps a signed go-ethereum node record together with the
// bitfield entries the discovery adapter filters on: attnets and
// syncnets. It is the type referenced by Peer.Record -- optional, since a
// statically-configured or inbound-dialed peer may never present one.
type AddrRecord struct {
	Node     *enode.Node
	Attnets  []byte
	Syncnets []byte
}

// Empty reports whether the record carries no node, the zero value used
// before a peer's first discovered or exchanged record.
func (r AddrRecord) Empty() bool {
	return r.Node == nil
}

// Eth2 extracts and decodes the eth2 ENR entry, if present.
func (r AddrRecord) Eth2() (Eth2ENREntry, bool) {
	if r.Node == nil {
		return Eth2ENREntry{}, false
	}
	var entry Eth2ENREntry
	if err := r.Node.Record().Load(enr.WithEntry("eth2", &entry)); err != nil {
		return Eth2ENREntry{}, false
	}
	return entry, true
}

// LocalRecordStore owns this node's own signed record and the monotonic
// sequence number bump required on every mutation, per testable property
// 8: "the local ENR sequence number strictly increases across
// updateLocalRecord calls and the record verifies against the node's own
// public key after each update."
type LocalRecordStore struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	record  enr.Record
	current *enode.Node
}

// NewLocalRecordStore seeds an empty, unsigned record; call UpdateEth2 or
// UpdateSubnets to sign and publish the first version.
func NewLocalRecordStore(key *ecdsa.PrivateKey) *LocalRecordStore {
	return &LocalRecordStore{key: key}
}

// update applies fn to the record under lock, bumps the sequence number,
// re-signs with the node's identity key, and returns the freshly signed
// node. A signing failure is a fatal identity problem, not a transient
// one -- callers propagate it rather than retry.
func (s *LocalRecordStore) update(fn func(r *enr.Record)) (*enode.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.record)
	s.record.SetSeq(s.record.Seq() + 1)

	if err := enode.SignV4(&s.record, s.key); err != nil {
		return nil, fmt.Errorf("sign local record: %w", err)
	}
	node, err := enode.New(enode.ValidSchemes, &s.record)
	if err != nil {
		return nil, fmt.Errorf("build local node from record: %w", err)
	}
	s.current = node
	return node, nil
}

// UpdateEth2 sets the eth2 entry (fork digest / next fork schedule) and
// re-signs.
func (s *LocalRecordStore) UpdateEth2(entry Eth2ENREntry) (*enode.Node, error) {
	return s.update(func(r *enr.Record) {
		r.Set(entry)
	})
}

// UpdateSubnets sets the attnets/syncnets bitfield entries and re-signs.
func (s *LocalRecordStore) UpdateSubnets(attnets, syncnets []byte) (*enode.Node, error) {
	return s.update(func(r *enr.Record) {
		r.Set(enr.WithEntry("attnets", attnets))
		r.Set(enr.WithEntry("syncnets", syncnets))
	})
}

// Current returns the most recently signed node, or nil if never updated.
func (s *LocalRecordStore) Current() *enode.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// decodeAddrRecord builds an AddrRecord from a raw node found via
// discovery, extracting the subnet bitfields the mesh monitor and
// discovery adapter bias queries on. A node missing both fields still
// yields a usable AddrRecord with nil bitfields; callers treat that as
// "unknown subnets", not an error.
func decodeAddrRecord(node *enode.Node) AddrRecord {
	rec := AddrRecord{Node: node}
	var attnets, syncnets []byte
	if node.Record().Load(enr.WithEntry("attnets", &attnets)) == nil {
		rec.Attnets = attnets
	}
	if node.Record().Load(enr.WithEntry("syncnets", &syncnets)) == nil {
		rec.Syncnets = syncnets
	}
	return rec
}
