package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnState is a peer's connection-state, following the state machine in
// the design's peer state machine section.
type ConnState int

const (
	StateNone ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Direction records whether we dialed the peer or it dialed us.
type Direction int

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

// Metadata is the peer's self-reported, fork-versioned metadata, the same
// information a metadata Req/Resp exchange refreshes on a schedule.
type Metadata struct {
	SeqNumber          uint64
	Attnets            []byte
	Syncnets           []byte
	CustodySubnetCount uint64
}

// DisconnectReason is attached to a scheduled disconnect and drives the
// seen-table TTL chosen when the peer leaves (see SeenReasonFor).
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonClientShutdown
	ReasonIrrelevantNetwork
	ReasonFaultOrError
	ReasonPeerScoreLow
	ReasonBenignReconnect
)

func (r DisconnectReason) GoodbyeCode() uint64 {
	switch r {
	case ReasonClientShutdown:
		return 1
	case ReasonIrrelevantNetwork:
		return 2
	case ReasonFaultOrError:
		return 3
	case ReasonPeerScoreLow:
		return 237
	default:
		return 3
	}
}

// throughputEMA tracks a peer's observed bytes/sec as an exponential
// moving average, the cheap streaming estimator the design calls for
// instead of keeping a full sample window.
type throughputEMA struct {
	mu      sync.Mutex
	value   float64
	samples uint64
}

const throughputEMAAlpha = 0.2

func (e *throughputEMA) observe(bytesPerSec float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		e.value = bytesPerSec
	} else {
		e.value = throughputEMAAlpha*bytesPerSec + (1-throughputEMAAlpha)*e.value
	}
	e.samples++
}

func (e *throughputEMA) get() (value float64, samples uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.samples
}

// Peer is the per-peer state the design's data model section describes: a
// state machine, a score bounded to [ScoreLowLimit, ScoreHighLimit], a
// token-bucket quota, throughput EMA, optional metadata/ENR, and a row of
// opaque per-protocol state slots indexed by the protocol registry's
// densely assigned indices (see Registry in protocol.go).
type Peer struct {
	id peer.ID

	network *Network // back-reference only; Network owns the Peer map.

	mu          sync.Mutex
	state       ConnState
	direction   Direction
	connections int // refcount across duplicate physical connections

	score    int
	scoreLow  int
	scoreHigh int

	quota *Quota

	throughput throughputEMA

	metadata     *Metadata
	metadataFailures int
	lastMetadataAt   time.Time

	record AddrRecord // optional signed node record, see enr.go

	agent string

	protocolState []interface{}

	disconnectReason DisconnectReason
	disconnected     chan struct{} // closed exactly once, on StateDisconnected
	disconnectOnce   sync.Once
}

// newPeer constructs a Peer in StateNone, ready to be promoted to
// StateConnecting on its first connection event.
func newPeer(id peer.ID, net *Network, slotCount int, scoreLow, scoreHigh int, quotaCap int, quotaReplenish time.Duration) *Peer {
	return &Peer{
		id:            id,
		network:       net,
		state:         StateNone,
		scoreLow:      scoreLow,
		scoreHigh:     scoreHigh,
		quota:         NewQuota(quotaCap, quotaReplenish),
		protocolState: make([]interface{}, slotCount),
		disconnected:  make(chan struct{}),
	}
}

func (p *Peer) ID() peer.ID { return p.id }

func (p *Peer) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Direction() Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.direction
}

// Active reports whether the peer is connecting or connected, the
// aggregate state the design's peer pool and mesh monitor reason about.
func (p *Peer) Active() bool {
	switch p.State() {
	case StateConnecting, StateConnected:
		return true
	default:
		return false
	}
}

// Score returns the current clamped score.
func (p *Peer) Score() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// ApplyScoreDelta adds delta to the peer's score, clamping to
// [scoreLow, scoreHigh]. It returns true if the peer just crossed at or
// below scoreLow, i.e. a PeerScoreLow disconnect should be scheduled (the
// caller -- Network -- owns scheduling so score mutation itself never
// triggers I/O).
func (p *Peer) ApplyScoreDelta(delta int, m *Metrics) (crossedLow bool) {
	p.mu.Lock()
	before := p.score
	p.score = clampScore(p.score+delta, p.scoreLow, p.scoreHigh)
	after := p.score
	p.mu.Unlock()
	m.ObservePeerScore(after)
	return before > p.scoreLow && after <= p.scoreLow
}

// ResetScore zeroes the score; used when a previously-seen peer
// reconnects (Disconnected -> Connecting transition resets trust).
func (p *Peer) ResetScore() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.score = 0
}

// Metadata returns the peer's last-known metadata, or nil if never
// received.
func (p *Peer) Metadata() *Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata
}

func (p *Peer) SetMetadata(md *Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata = md
	p.metadataFailures = 0
	p.lastMetadataAt = time.Now()
}

// IncMetadataFailure increments the consecutive-failure counter and
// returns the new count, for the metadata pinger's disconnect threshold.
func (p *Peer) IncMetadataFailure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadataFailures++
	return p.metadataFailures
}

func (p *Peer) LastMetadataAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMetadataAt
}

// Quota returns the peer's own inbound request token bucket, consumed by
// the Req/Resp engine alongside the engine-wide global quota -- the same
// two-tier limiting op-node/p2p/sync.go applies via globalRequestsRL and
// peerRateLimits.
func (p *Peer) Quota() *Quota { return p.quota }

func (p *Peer) Agent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent
}

func (p *Peer) SetAgent(agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agent = agent
}

func (p *Peer) Record() AddrRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

func (p *Peer) SetRecord(r AddrRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record = r
}

// ProtocolState returns the opaque per-peer state slot for the given
// protocol index, or nil if never initialized.
func (p *Peer) ProtocolState(idx int) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.protocolState) {
		return nil
	}
	return p.protocolState[idx]
}

func (p *Peer) SetProtocolState(idx int, v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.protocolState) {
		return
	}
	p.protocolState[idx] = v
}

// ObserveThroughput records a completed transfer for the EMA.
func (p *Peer) ObserveThroughput(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	p.throughput.observe(float64(bytes) / elapsed.Seconds())
}

func (p *Peer) Throughput() (bytesPerSec float64, samples uint64) {
	return p.throughput.get()
}

// Disconnected returns a channel closed exactly once, when the peer
// reaches StateDisconnected -- the "one-shot disconnected completion
// signal" the data model calls for.
func (p *Peer) Disconnected() <-chan struct{} {
	return p.disconnected
}

// transition applies one state-machine edge. It is always invoked from the
// Network's single scheduler-thread event handlers, which serialize
// transitions for a given peer by processing connection events one at a
// time, so no additional locking is required around the transition
// sequence itself beyond the fields it touches.
func (p *Peer) transition(next ConnState, dir Direction) (prev ConnState, duplicate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev = p.state

	switch {
	case prev == StateNone && next == StateConnecting:
		p.state = StateConnecting
		p.direction = dir
		p.connections = 1
	case prev == StateDisconnected && next == StateConnecting:
		p.state = StateConnecting
		p.direction = dir
		p.connections = 1
		p.score = 0
		p.disconnected = make(chan struct{})
	case next == StateConnected && (prev == StateConnecting || prev == StateConnected):
		if prev == StateConnected {
			// Spurious Connected while already Connected: a second
			// physical connection from the same logical peer. Keep
			// the first connection authoritative and just bump the
			// refcount; the caller disconnects the new transport-level
			// connection.
			p.connections++
			duplicate = true
			return
		}
		p.state = StateConnected
	case prev == StateConnected && next == StateDisconnecting:
		p.state = StateDisconnecting
	case prev == StateConnecting && next == StateDisconnecting:
		p.state = StateDisconnecting
	case prev == StateDisconnecting && next == StateDisconnected:
		p.connections--
		if p.connections > 0 {
			// Other physical connections remain; stay Disconnecting
			// until the refcount reaches zero.
			return
		}
		p.state = StateDisconnected
	}
	if p.state == StateDisconnected && prev != StateDisconnected {
		p.disconnectOnce.Do(func() { close(p.disconnected) })
	}
	return
}

func (p *Peer) setDisconnectReason(r DisconnectReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectReason = r
}

func (p *Peer) DisconnectReason() DisconnectReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectReason
}

// directionFromNetwork maps a libp2p connection direction to our Direction
// enum.
func directionFromNetwork(d network.Direction) Direction {
	switch d {
	case network.DirInbound:
		return DirInbound
	case network.DirOutbound:
		return DirOutbound
	default:
		return DirUnknown
	}
}
