package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// SeenReason records why a peer was added to the seen table, determining
// how long the connector backs off from redialing it.
type SeenReason int

const (
	SeenTimeout SeenReason = iota
	SeenDead
	SeenIrrelevantNetwork
	SeenClientShutdown
	SeenFaultOrError
	SeenScoreLow
	SeenBenignReconnect
)

// seenTTL returns the back-off duration the design's seen-table section
// assigns to each reason: short for transient hiccups, long for peers that
// told us outright they are not useful (wrong network) or hostile (score).
func seenTTL(reason SeenReason) time.Duration {
	switch reason {
	case SeenTimeout:
		return 5 * time.Minute
	case SeenDead:
		return 5 * time.Minute
	case SeenIrrelevantNetwork:
		return 24 * time.Hour
	case SeenClientShutdown:
		return 10 * time.Minute
	case SeenFaultOrError:
		return 10 * time.Minute
	case SeenScoreLow:
		return 60 * time.Minute
	case SeenBenignReconnect:
		return 1 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// seenEntry is one back-off record.
type seenEntry struct {
	reason    SeenReason
	expiresAt time.Time
}

// SeenTable is the connector's redial back-off set: a peer recently
// disconnected for a given reason is refused re-admission to the dial
// queue until its entry's TTL elapses, per reason as above.
type SeenTable struct {
	mu      sync.Mutex
	entries map[peer.ID]seenEntry
}

func NewSeenTable() *SeenTable {
	return &SeenTable{entries: make(map[peer.ID]seenEntry)}
}

// Mark records id as seen for reason, starting its TTL from now. A later
// call with a reason whose TTL ends further in the future overwrites the
// earlier, shorter one.
func (s *SeenTable) Mark(id peer.ID, reason SeenReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt := time.Now().Add(seenTTL(reason))
	if existing, ok := s.entries[id]; ok && existing.expiresAt.After(expiresAt) {
		return
	}
	s.entries[id] = seenEntry{reason: reason, expiresAt: expiresAt}
}

// Blocked reports whether id is still within its back-off window. Expired
// entries are lazily evicted on lookup.
func (s *SeenTable) Blocked(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, id)
		return false
	}
	return true
}

// Sweep removes every expired entry; call periodically (the mesh monitor's
// scan tick is a natural cadence) to keep the table from growing
// unboundedly with peers that are never looked up again.
func (s *SeenTable) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}

func (s *SeenTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SeenReasonForDisconnect maps a DisconnectReason to the seen-table reason
// applied once the disconnect completes.
func SeenReasonForDisconnect(r DisconnectReason) SeenReason {
	switch r {
	case ReasonClientShutdown:
		return SeenClientShutdown
	case ReasonIrrelevantNetwork:
		return SeenIrrelevantNetwork
	case ReasonFaultOrError:
		return SeenFaultOrError
	case ReasonPeerScoreLow:
		return SeenScoreLow
	case ReasonBenignReconnect:
		return SeenBenignReconnect
	default:
		return SeenFaultOrError
	}
}
