package p2p

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/multiformats/go-multiaddr"
)

// Config is the immutable snapshot of networking parameters an embedder
// supplies at construction time. It is never mutated after NewNetwork
// returns; components that need a live value (own metadata, fork digest
// table) hold it separately on Network.
type Config struct {
	// PrivKey is the node's long-term libp2p identity key. Use
	// ResolveIdentity to produce one from a keystore path, or pass a
	// pre-resolved key directly.
	PrivKey crypto.PrivKey

	// ListenAddrs are the multiaddrs the libp2p host listens on.
	ListenAddrs []multiaddr.Multiaddr

	// StaticPeers are dialed once at startup and are never trimmed by the
	// mesh monitor, never recorded in the seen-table on disconnect.
	StaticPeers []PeerAddress

	MaxPeers    int
	InboundRatio float64

	// Quota
	MaxRequestsPerPeer int
	QuotaReplenishTime time.Duration

	// Score
	ScoreLowLimit  int
	ScoreHighLimit int

	// Req/Resp timeouts
	StreamOpenTimeout time.Duration
	RespTimeout       time.Duration

	// Connector
	ConcurrentConnections int
	ConnectTimeout        time.Duration

	// Discovery / mesh
	MeshScanInterval      time.Duration
	StabilitySubnetWeight int

	// Metadata pinger
	MetadataRequestFrequency    time.Duration
	MetadataRequestMaxFailures  int

	GossipMaxSize int

	ForkDigest [4]byte
}

// DefaultConfig returns the parameter set described in the design's
// concurrency and resource sections. Callers override fields as needed;
// this is a starting point, not a singleton.
func DefaultConfig() *Config {
	return &Config{
		MaxPeers:                   45,
		InboundRatio:               0.8,
		MaxRequestsPerPeer:         maxRequestQuota,
		QuotaReplenishTime:         fullReplenishTime,
		ScoreLowLimit:              scoreLowLimit,
		ScoreHighLimit:             scoreHighLimit,
		StreamOpenTimeout:          5 * time.Second,
		RespTimeout:                10 * time.Second,
		ConcurrentConnections:      20,
		ConnectTimeout:             time.Minute,
		MeshScanInterval:           5 * time.Second,
		StabilitySubnetWeight:      10,
		MetadataRequestFrequency:   30 * time.Minute,
		MetadataRequestMaxFailures: 3,
		GossipMaxSize:              10 * 1 << 20,
	}
}

func (c *Config) validate() error {
	if c.PrivKey == nil {
		return fmt.Errorf("p2p: config missing identity private key")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("p2p: config MaxPeers must be positive")
	}
	if c.ConcurrentConnections <= 0 {
		return fmt.Errorf("p2p: config ConcurrentConnections must be positive")
	}
	return nil
}
