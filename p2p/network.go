package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const shutdownTimeout = 5 * time.Second

// connEvent is the scheduler-thread mailbox message for a libp2p
// connection notification; processing these one at a time on a single
// goroutine is what makes Peer.transition's lack of extra locking correct
// (see the concurrency note on transition in peer.go).
type connEvent struct {
	id    peer.ID
	dir   Direction
	state ConnState
	// conn is the specific physical connection this event concerns. It is
	// only meaningful for StateConnecting events: admission refusal and
	// duplicate-connection handling must close this one connection, never
	// every connection to the peer (a peer can have more than one).
	conn network.Conn
}

// Network is the orchestrator: it owns the libp2p host, every
// subsystem (pool, connector, discovery, mesh monitor, metadata pinger,
// gossip, Req/Resp engine), and the single scheduler goroutine that
// serializes connection-state transitions, mirroring the ownership shape
// of op-node/p2p/sync.go's P2PSyncClient but generalized past one sync
// protocol to the full stack.
type Network struct {
	log log.Logger
	cfg *Config
	m   *Metrics

	host host.Host

	registry  *Registry
	pool      *Pool
	seen      *SeenTable
	connector *Connector
	mesh      *Mesh
	discovery *Discovery
	pinger    *Pinger
	gossip    *Gossip
	reqresp   *ReqResp

	forkDigestMu sync.RWMutex
	forkDigest   ForkDigest

	ownMetadataMu sync.RWMutex
	ownMetadata   *Metadata

	events chan connEvent

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewNetwork builds the libp2p host and every subsystem from cfg, but does
// not start accepting connections or dialing peers until Start is called.
func NewNetwork(cfg *Config, logger log.Logger, m *Metrics) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(cfg.PrivKey),
		libp2p.ListenAddrs(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: construct libp2p host: %w", err)
	}

	n := &Network{
		log:        logger,
		cfg:        cfg,
		m:          m,
		host:       h,
		registry:   NewRegistry(),
		pool:       NewPool(cfg.MaxPeers, cfg.InboundRatio, m),
		seen:       NewSeenTable(),
		forkDigest: cfg.ForkDigest,
		events:     make(chan connEvent, 256),
	}
	n.connector = NewConnector(logger, h, n.pool, n.seen, m, cfg.ConcurrentConnections, cfg.ConnectTimeout)
	n.mesh = NewMesh(logger, n.pool, n.seen, m, cfg.MeshScanInterval, cfg.StabilitySubnetWeight, n.disconnect)
	n.reqresp = NewReqResp(logger, h, n, m, cfg, n.disconnect)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.onConnected,
		DisconnectedF: n.onDisconnected,
	})
	return n, nil
}

// Peer implements peerLookup for the Req/Resp engine and protocol hooks.
func (n *Network) Peer(id peer.ID) (*Peer, bool) {
	return n.pool.Get(id)
}

// Host exposes the underlying libp2p host for embedders that need to wire
// additional protocols (e.g. libp2p identify) directly.
func (n *Network) Host() host.Host { return n.host }

// Registry exposes the protocol registry so an embedder can RegisterMethod
// before Start.
func (n *Network) Registry() *Registry { return n.registry }

// ReqResp exposes the Req/Resp engine for registering methods and sending
// outbound requests.
func (n *Network) ReqResp() *ReqResp { return n.reqresp }

// EnableGossip constructs the gossipsub router bound to this host using the
// domain-separated message-id function, and wires a *Gossip on top of it.
// Call before Start if gossip is needed; omitting this call leaves Network
// usable purely as a Req/Resp + discovery node.
func (n *Network) EnableGossip(ctx context.Context, opts ...pubsub.Option) error {
	allOpts := append([]pubsub.Option{
		pubsub.WithMessageIdFn(func(pmsg *pubsubpb.Message) string {
			return gossipMsgIDFn(pmsg.GetTopic(), pmsg.GetData())
		}),
	}, opts...)
	ps, err := pubsub.NewGossipSub(ctx, n.host, allOpts...)
	if err != nil {
		return fmt.Errorf("p2p: construct gossipsub: %w", err)
	}
	n.gossip = NewGossip(n.log, ps, n.m, uint64(n.cfg.GossipMaxSize))
	return nil
}

// EnableDiscovery wires a discovery adapter driven by an externally
// constructed discv5 iterator (the iterator's lifecycle -- its own UDP
// socket and routing table -- is the embedder's responsibility since it
// outlives any single Network instance in most deployments).
func (n *Network) EnableDiscovery() {
	n.discovery = NewDiscovery(n.log, n.connector, n.CurrentForkDigest)
}

// EnableMetadataPinger wires the metadata pinger against provider/codec.
func (n *Network) EnableMetadataPinger(provider MetadataProvider, codec MetadataCodec) {
	n.pinger = NewPinger(n.log, n.reqresp, n.pool, provider, codec, n.cfg.MetadataRequestFrequency, n.cfg.MetadataRequestMaxFailures, n.disconnect)
	n.reqresp.RegisterMethod(metadataProtocolName, n.pinger.MessageType(), n.pinger.HandleRequest)
}

// Gossip exposes the gossip pipeline, nil until EnableGossip is called.
func (n *Network) Gossip() *Gossip { return n.gossip }

// RunDiscovery drives the discovery adapter over it until Stop's runCtx is
// canceled or it is exhausted. Call after Start, once EnableDiscovery has
// been called and an iterator is available.
func (n *Network) RunDiscovery(it DiscV5Iterator) {
	if n.discovery == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discovery.Run(n.runCtx, it)
	}()
}

// CurrentForkDigest returns the fork digest new discoveries and context
// bytes are compared against, updated by UpdateForkDigest on a fork
// transition.
func (n *Network) CurrentForkDigest() ForkDigest {
	n.forkDigestMu.RLock()
	defer n.forkDigestMu.RUnlock()
	return n.forkDigest
}

func (n *Network) UpdateForkDigest(fd ForkDigest) {
	n.forkDigestMu.Lock()
	n.forkDigest = fd
	n.forkDigestMu.Unlock()
}

func (n *Network) OwnMetadata() *Metadata {
	n.ownMetadataMu.RLock()
	defer n.ownMetadataMu.RUnlock()
	return n.ownMetadata
}

func (n *Network) SetOwnMetadata(md *Metadata) {
	n.ownMetadataMu.Lock()
	n.ownMetadata = md
	n.ownMetadataMu.Unlock()
}

// Start launches the scheduler goroutine and every enabled subsystem's
// background loop.
func (n *Network) Start(ctx context.Context) {
	n.runCtx, n.runCancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go n.schedulerLoop()

	n.connector.Start(n.runCtx, n.cfg.ConcurrentConnections)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mesh.Run(n.runCtx, n.cfg.MaxPeers)
	}()

	if n.pinger != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.pinger.Run(n.runCtx)
		}()
	}

	for _, addr := range n.cfg.StaticPeers {
		n.mesh.MarkDirect(string(addr.ID))
		n.connector.Enqueue(addr)
	}
}

// Stop tears down every subsystem, giving in-flight shutdown work up to a
// fixed timeout before giving up on it, and joins any resulting errors
// into one, the way the design's shutdown-timeout rule requires.
func (n *Network) Stop() error {
	var result error

	if n.runCancel != nil {
		n.runCancel()
	}
	n.connector.Stop()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		result = multierror.Append(result, fmt.Errorf("p2p: shutdown timed out waiting for background loops"))
	}

	if err := n.host.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("p2p: close libp2p host: %w", err))
	}
	return result
}

// schedulerLoop is the single goroutine that applies every connection-state
// transition, serializing them exactly as the concurrency model requires.
func (n *Network) schedulerLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.runCtx.Done():
			return
		case ev := <-n.events:
			n.handleConnEvent(ev)
		}
	}
}

func (n *Network) handleConnEvent(ev connEvent) {
	switch ev.state {
	case StateConnecting:
		n.handleConnecting(ev)
	case StateDisconnecting, StateDisconnected:
		n.handleDisconnect(ev)
	}
}

func (n *Network) handleConnecting(ev connEvent) {
	existing, _ := n.pool.Get(ev.id)
	admit := n.pool.Admit(existing, ev.dir)
	if admit != AdmitSuccess {
		n.log.Debug("refusing peer admission", "peer", ev.id, "result", admit.String())
		// Refuse only the connection this event concerns. The peer may
		// already have an authoritative connection open (AdmitDuplicate is
		// exactly that case); closing the whole peer via ClosePeer would
		// tear that one down too.
		n.closeEventConn(ev)
		return
	}

	p, created := n.pool.GetOrCreate(ev.id, func() *Peer {
		return newPeer(ev.id, n, n.registry.SlotCount(), n.cfg.ScoreLowLimit, n.cfg.ScoreHighLimit, n.cfg.MaxRequestsPerPeer, n.cfg.QuotaReplenishTime)
	})
	_, duplicate := p.transition(StateConnecting, ev.dir)
	if duplicate {
		n.closeEventConn(ev)
		return
	}
	if created {
		n.pool.NotifyCountChanged()
	}

	hookCtx, cancel := context.WithTimeout(n.runCtx, n.cfg.StreamOpenTimeout)
	err := n.registry.runConnectHooks(hookCtx, p)
	cancel()
	if err != nil {
		n.log.Debug("connect hooks failed", "peer", ev.id, "err", err)
		p.setDisconnectReason(ReasonFaultOrError)
		n.closeEventConn(ev)
		return
	}
	p.transition(StateConnected, ev.dir)
}

// closeEventConn closes the specific physical connection ev concerns,
// falling back to closing every connection to the peer only if the event
// carries none (defensive; onConnected always populates it).
func (n *Network) closeEventConn(ev connEvent) {
	if ev.conn != nil {
		_ = ev.conn.Close()
		return
	}
	_ = n.host.Network().ClosePeer(ev.id)
}

// disconnect schedules an active disconnect of id for reason: the
// seen-table entry is recorded before the transport is torn down, so a
// redial racing in against the closing connection still finds the peer
// backed off. Callers are the score-threshold, mesh-trim, and
// metadata-failure paths; the reactive path driven by libp2p's own
// disconnect notification is handleDisconnect.
func (n *Network) disconnect(id peer.ID, reason DisconnectReason) {
	p, ok := n.pool.Get(id)
	if !ok {
		return
	}
	p.setDisconnectReason(reason)
	n.seen.Mark(id, SeenReasonForDisconnect(reason))
	_ = n.host.Network().ClosePeer(id)
}

func (n *Network) handleDisconnect(ev connEvent) {
	p, ok := n.pool.Get(ev.id)
	if !ok {
		return
	}
	_, duplicate := p.transition(StateDisconnecting, ev.dir)
	if duplicate {
		return
	}
	prev, _ := p.transition(StateDisconnected, ev.dir)
	if prev != StateDisconnected {
		n.registry.runDisconnectHooks(p)
		n.seen.Mark(ev.id, SeenReasonForDisconnect(p.DisconnectReason()))
		n.pool.Remove(ev.id)
		n.pool.NotifyCountChanged()
	}
}

// onConnected and onDisconnected feed connEvents to the scheduler goroutine;
// registered via network.NotifyBundle in NewNetwork.
func (n *Network) onConnected(netw network.Network, conn network.Conn) {
	dir := directionFromNetwork(conn.Stat().Direction)
	select {
	case n.events <- connEvent{id: conn.RemotePeer(), dir: dir, state: StateConnecting, conn: conn}:
	default:
		n.log.Warn("dropped connection event, scheduler mailbox full", "peer", conn.RemotePeer())
	}
}

func (n *Network) onDisconnected(netw network.Network, conn network.Conn) {
	dir := directionFromNetwork(conn.Stat().Direction)
	select {
	case n.events <- connEvent{id: conn.RemotePeer(), dir: dir, state: StateDisconnected}:
	default:
		n.log.Warn("dropped disconnection event, scheduler mailbox full", "peer", conn.RemotePeer())
	}
}
