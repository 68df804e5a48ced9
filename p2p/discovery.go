package p2p

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// DiscV5Iterator is the narrow surface this package needs from a discv5
// node iterator, satisfied by *discover.UDPv5's RandomNodes() or an
// equivalent table iterator.
type DiscV5Iterator interface {
	Next() bool
	Node() *enode.Node
	Close()
}

// SubnetBias describes the attnet/syncnet bitfields discovery should weight
// its queries toward, refreshed periodically by the component that tracks
// this node's subscribed subnets (the mesh monitor). MinScore is the
// minimum number of overlapping subnet bits a candidate must advertise to
// be enqueued once a bias is configured; values below 1 are treated as 1.
type SubnetBias struct {
	Attnets  []byte
	Syncnets []byte
	MinScore int
}

// empty reports whether no bias has been configured, in which case every
// fork-matching candidate is admitted regardless of subnet overlap.
func (b SubnetBias) empty() bool {
	return len(b.Attnets) == 0 && len(b.Syncnets) == 0
}

// Discovery is the discovery adapter: it walks a discv5 iterator, decodes
// each found node into an AddrRecord, and enqueues candidates onto the
// connector that match the current fork digest and, once a subnet bias is
// configured, overlap it by at least its MinScore.
type Discovery struct {
	log        log.Logger
	connector  *Connector
	forkDigest func() ForkDigest

	mu   sync.Mutex
	bias SubnetBias
}

func NewDiscovery(logger log.Logger, connector *Connector, forkDigest func() ForkDigest) *Discovery {
	return &Discovery{log: logger, connector: connector, forkDigest: forkDigest}
}

func (d *Discovery) SetSubnetBias(bias SubnetBias) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bias = bias
}

func (d *Discovery) subnetBias() SubnetBias {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bias
}

// Run consumes it until ctx is done, enqueuing every node whose eth2 ENR
// entry matches the current fork digest and, once a subnet bias is
// configured, whose advertised attnets/syncnets overlap it by at least
// MinScore.
func (d *Discovery) Run(ctx context.Context, it DiscV5Iterator) {
	defer it.Close()
	for it.Next() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		node := it.Node()
		if node == nil {
			continue
		}
		rec := decodeAddrRecord(node)
		entry, ok := rec.Eth2()
		if !ok || entry.ForkDigest != d.forkDigest() {
			continue
		}
		if !matchesBias(d.subnetBias(), rec) {
			continue
		}

		addr, ok := peerAddressFromNode(node)
		if !ok {
			continue
		}
		d.connector.Enqueue(addr)
	}
}

// matchesBias reports whether rec's advertised subnets satisfy bias. An
// empty bias admits every candidate.
func matchesBias(bias SubnetBias, rec AddrRecord) bool {
	if bias.empty() {
		return true
	}
	min := bias.MinScore
	if min < 1 {
		min = 1
	}
	overlap := subnetOverlap(bias.Attnets, rec.Attnets) + subnetOverlap(bias.Syncnets, rec.Syncnets)
	return overlap >= min
}

// subnetOverlap counts the bits set in both bitfields, the number of
// subnets a candidate shares with our own bias.
func subnetOverlap(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	count := 0
	for i := 0; i < n; i++ {
		v := a[i] & b[i]
		for v != 0 {
			count += int(v & 1)
			v >>= 1
		}
	}
	return count
}

// peerAddressFromNode builds a dial candidate from a node record, preferring
// its TCP port over UDP and IPv4 over IPv6 when both are present, per the
// design's address-selection rule for libp2p transport dialing.
func peerAddressFromNode(node *enode.Node) (PeerAddress, bool) {
	pub := node.Pubkey()
	if pub == nil {
		return PeerAddress{}, false
	}
	id, err := peerIDFromPubkey(pub)
	if err != nil {
		return PeerAddress{}, false
	}

	var addrs []string
	if node.TCP() != 0 {
		if node.IP() != nil {
			addrs = append(addrs, tcpMultiaddrString(node.IP().String(), node.TCP(), node.IP().To4() != nil))
		}
	}
	if len(addrs) == 0 {
		return PeerAddress{}, false
	}
	return PeerAddress{ID: id, Addrs: addrs}, true
}

func tcpMultiaddrString(ip string, port int, isV4 bool) string {
	proto := "ip6"
	if isV4 {
		proto = "ip4"
	}
	return "/" + proto + "/" + ip + "/tcp/" + strconv.Itoa(port)
}

// DiscoveryScanInterval paces how often the orchestrator refreshes subnet
// bias and checks whether the connector queue needs topping up.
const DiscoveryScanInterval = 15 * time.Second
