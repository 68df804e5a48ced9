package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func parseMultiaddr(raw string) (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(raw)
}

// PeerAddress is a dial candidate surfaced by discovery or a static peer
// list: an id plus the multiaddr strings libp2p needs to dial it, kept as
// strings so config.go and discovery.go don't need to import multiaddr
// just to build a PeerAddress literal.
type PeerAddress struct {
	ID    peer.ID
	Addrs []string
}

// ConnectOutcome is recorded against the "p2p_connector_dial_total" metric
// and used to decide whether a seen-table entry should be created.
type ConnectOutcome int

const (
	ConnectOK ConnectOutcome = iota
	ConnectTimeoutOutcome
	ConnectRefused
	ConnectAlreadyActive
	ConnectBlocked
)

// Connector is the bounded dial worker pool: a fixed number of
// goroutines drain a queue of PeerAddress candidates, each checked against
// the seen table and the live peer map before being dialed, the way
// op-node/p2p/sync.go's peerLoop rate-limits and serializes work per peer
// but generalized here to a pool of worker goroutines sharing one queue.
type Connector struct {
	log  log.Logger
	host host.Host
	pool *Pool
	seen *SeenTable
	m    *Metrics

	connectTimeout time.Duration

	queue chan PeerAddress

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConnector builds a connector with the given worker concurrency and
// dial timeout. Start must be called before Enqueue has any effect.
func NewConnector(logger log.Logger, h host.Host, pool *Pool, seen *SeenTable, m *Metrics, workers int, connectTimeout time.Duration) *Connector {
	if workers <= 0 {
		workers = 1
	}
	return &Connector{
		log:            logger,
		host:           h,
		pool:           pool,
		seen:           seen,
		m:              m,
		connectTimeout: connectTimeout,
		queue:          make(chan PeerAddress, workers*4),
	}
}

// Start launches the worker goroutines. Stop drains and halts them.
func (c *Connector) Start(ctx context.Context, workers int) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Enqueue offers a dial candidate to the queue, dropping it silently if the
// queue is full -- discovery will surface the same or a better candidate
// again on its next query, so backpressure here is preferable to blocking
// the discovery loop.
func (c *Connector) Enqueue(addr PeerAddress) {
	select {
	case c.queue <- addr:
	default:
		c.m.IncConnectorDial("queue_full")
	}
}

func (c *Connector) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-c.queue:
			c.dial(ctx, addr)
		}
	}
}

func (c *Connector) dial(ctx context.Context, addr PeerAddress) {
	if addr.ID == c.host.ID() {
		return
	}
	if c.seen.Blocked(addr.ID) {
		c.m.IncConnectorDial(ConnectBlocked.String())
		return
	}
	if existing, ok := c.pool.Get(addr.ID); ok && existing.Active() {
		c.m.IncConnectorDial(ConnectAlreadyActive.String())
		return
	}

	pi := peer.AddrInfo{ID: addr.ID}
	for _, raw := range addr.Addrs {
		ma, err := parseMultiaddr(raw)
		if err != nil {
			continue
		}
		pi.Addrs = append(pi.Addrs, ma)
	}
	if len(pi.Addrs) == 0 {
		c.m.IncConnectorDial(ConnectRefused.String())
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	if err := c.host.Connect(dialCtx, pi); err != nil {
		if dialCtx.Err() != nil {
			c.seen.Mark(addr.ID, SeenTimeout)
			c.m.IncConnectorDial(ConnectTimeoutOutcome.String())
		} else {
			c.seen.Mark(addr.ID, SeenFaultOrError)
			c.m.IncConnectorDial(ConnectRefused.String())
		}
		return
	}
	c.m.IncConnectorDial(ConnectOK.String())
}

func (o ConnectOutcome) String() string {
	switch o {
	case ConnectOK:
		return "ok"
	case ConnectTimeoutOutcome:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectAlreadyActive:
		return "already_active"
	case ConnectBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}
