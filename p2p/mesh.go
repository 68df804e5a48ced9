package p2p

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

// meshTarget mirrors gossipsub's own D / D_out parameters; the monitor does
// not reimplement mesh selection (that is gossipsub's job per topic), it
// watches the aggregate connection count and trims low-value peers so
// gossipsub always has enough candidates to build a healthy mesh from.
const (
	meshTargetOutbound = 6
	meshTargetTotal    = 8
)

// meshPriority buckets a scan's findings the way the design's connection
// trimming section orders them: peers below the outbound target are the
// most urgent gap, then peers below mesh D, then below D_out, then "could
// still use more outbound peers even though D is met".
type meshPriority int

const (
	priorityNone meshPriority = iota
	priorityNotHighOutgoing
	priorityBelowDOut
	priorityBelowD
	priorityLowOutgoing
)

// Mesh is the periodic mesh-health monitor: on each scan tick it
// computes the current priority gap and, if the pool is at capacity, trims
// the lowest-value peer to make room for a better one the connector can
// then dial.
type Mesh struct {
	log  log.Logger
	pool *Pool
	seen *SeenTable
	m    *Metrics

	scanInterval          time.Duration
	stabilitySubnetWeight int
	gracePeriod           time.Duration

	// directPeers are never trimmed, mirroring the design's "statically
	// configured peers are exempt from mesh trimming" rule.
	directPeers map[string]struct{}

	disconnect func(peer.ID, DisconnectReason)
}

func NewMesh(logger log.Logger, pool *Pool, seen *SeenTable, m *Metrics, scanInterval time.Duration, stabilitySubnetWeight int, disconnect func(peer.ID, DisconnectReason)) *Mesh {
	return &Mesh{
		log:                   logger,
		pool:                  pool,
		seen:                  seen,
		m:                     m,
		scanInterval:          scanInterval,
		stabilitySubnetWeight: stabilitySubnetWeight,
		gracePeriod:           2 * time.Minute,
		directPeers:           make(map[string]struct{}),
		disconnect:            disconnect,
	}
}

func (mon *Mesh) MarkDirect(id string) {
	mon.directPeers[id] = struct{}{}
}

// Run ticks every scanInterval until ctx is done, invoking Scan each time.
func (mon *Mesh) Run(ctx context.Context, maxPeers int) {
	ticker := time.NewTicker(mon.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Scan(maxPeers)
		}
	}
}

// Scan computes the current priority and, when at or above capacity with a
// connection-count priority requiring more outbound peers, trims the
// lowest-scoring non-direct peer so the connector has room to dial a
// replacement on its next discovery pass.
func (mon *Mesh) Scan(maxPeers int) {
	active := mon.pool.Active()
	var inbound, outbound int
	for _, p := range active {
		if p.Direction() == DirOutbound {
			outbound++
		} else {
			inbound++
		}
	}

	priority := mon.priority(outbound, inbound)
	if priority == priorityNone {
		return
	}
	if len(active) < maxPeers {
		return // there's still room; let the connector fill it without trimming
	}

	victim := mon.pickTrimVictim(active)
	if victim == nil {
		return
	}
	mon.disconnect(victim.ID(), ReasonBenignReconnect)
}

func (mon *Mesh) priority(outbound, inbound int) meshPriority {
	switch {
	case outbound < meshTargetOutbound/2:
		return priorityLowOutgoing
	case outbound+inbound < meshTargetTotal:
		return priorityBelowD
	case outbound < meshTargetOutbound:
		return priorityBelowDOut
	case outbound < meshTargetOutbound+2:
		return priorityNotHighOutgoing
	default:
		return priorityNone
	}
}

// trimScore computes the value the design assigns a peer when ranking trim
// candidates: a stability bonus for subscribed subnets plus a
// gossip-weighted mean of its score and throughput-derived usefulness. A
// peer still within its post-connect grace period, or whose metadata we
// have never received, is given an artificially high score so it survives
// an early scan.
func (mon *Mesh) trimScore(p *Peer) int {
	if time.Since(mon.connectGraceStart(p)) < mon.gracePeriod {
		return scoreHighLimit
	}
	md := p.Metadata()
	if md == nil {
		return scoreHighLimit
	}

	subnetCount := countSetBits(md.Attnets) + countSetBits(md.Syncnets)
	stability := subnetCount * mon.stabilitySubnetWeight

	throughput, samples := p.Throughput()
	gossipWeight := 0
	if samples > 0 {
		gossipWeight = int(throughput / 1024) // crude KiB/s contribution
	}

	return stability + p.Score() + gossipWeight
}

// connectGraceStart approximates "when this peer became Connected" using
// the last metadata timestamp as a proxy when available, otherwise treats
// the peer as past its grace period -- a metadata-less peer long enough to
// have no LastMetadataAt is not a recent connection.
func (mon *Mesh) connectGraceStart(p *Peer) time.Time {
	t := p.LastMetadataAt()
	if t.IsZero() {
		return time.Time{}
	}
	return t
}

func (mon *Mesh) pickTrimVictim(active []*Peer) *Peer {
	candidates := make([]*Peer, 0, len(active))
	for _, p := range active {
		if _, direct := mon.directPeers[string(p.ID())]; direct {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return mon.trimScore(candidates[i]) < mon.trimScore(candidates[j])
	})
	return candidates[0]
}

func countSetBits(b []byte) int {
	n := 0
	for _, v := range b {
		for v != 0 {
			n += int(v & 1)
			v >>= 1
		}
	}
	return n
}
