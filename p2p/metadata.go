package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

// metadataProtocolName is the protocol name registered with the Req/Resp
// engine for the metadata exchange.
const metadataProtocolName = "metadata"

// MetadataProvider supplies this node's own current metadata for outbound
// requests to encode and inbound requests to answer with.
type MetadataProvider interface {
	OwnMetadata() *Metadata
}

// MetadataCodec encodes/decodes the Metadata wire type; left pluggable
// since the SSZ schema for metadata (v1 vs v2, custody fields) is
// fork-dependent and owned by the embedder, not this package.
type MetadataCodec interface {
	Encode(*Metadata) ([]byte, error)
	Decode([]byte) (*Metadata, error)
}

// Pinger is the metadata pinger: it refreshes every active peer's
// metadata on a fixed interval, or sooner for a peer that has none yet,
// and disconnects a peer that fails too many times in a row.
type Pinger struct {
	log      log.Logger
	reqresp  *ReqResp
	pool     *Pool
	provider MetadataProvider
	codec    MetadataCodec
	msg      MessageType

	frequency   time.Duration
	maxFailures int

	disconnect func(peer.ID, DisconnectReason)
}

func NewPinger(logger log.Logger, reqresp *ReqResp, pool *Pool, provider MetadataProvider, codec MetadataCodec, frequency time.Duration, maxFailures int, disconnect func(peer.ID, DisconnectReason)) *Pinger {
	return &Pinger{
		log:         logger,
		reqresp:     reqresp,
		pool:        pool,
		provider:    provider,
		codec:       codec,
		msg:         MessageType{Name: "metadata", Version: "v2", MaxChunkSize: 128, HasContext: true},
		frequency:   frequency,
		maxFailures: maxFailures,
		disconnect:  disconnect,
	}
}

// Run ticks at a fraction of frequency (fine enough to catch
// never-pinged peers promptly) until ctx is done, dispatching one
// goroutine per peer needing a refresh so peers are pinged in parallel
// rather than serialized behind the slowest responder.
func (p *Pinger) Run(ctx context.Context) {
	tick := p.frequency / 10
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pinger) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, peer := range p.pool.Active() {
		if peer.State() != StateConnected {
			continue
		}
		if peer.Metadata() != nil && time.Since(peer.LastMetadataAt()) < p.frequency {
			continue
		}
		wg.Add(1)
		go func(target *Peer) {
			defer wg.Done()
			p.ping(ctx, target)
		}(peer)
	}
	wg.Wait()
}

// ping performs one outbound metadata request against target, updating its
// metadata on success or bumping its failure counter and disconnecting it
// once maxFailures is reached.
func (p *Pinger) ping(ctx context.Context, target *Peer) {
	own := p.provider.OwnMetadata()
	var req []byte
	if own != nil {
		encoded, err := p.codec.Encode(own)
		if err == nil {
			req = encoded
		}
	}

	resp, err := p.reqresp.Send(ctx, target.ID(), metadataProtocolName, p.msg, req)
	if err != nil {
		if n := target.IncMetadataFailure(); n >= p.maxFailures {
			p.disconnect(target.ID(), ReasonPeerScoreLow)
		}
		return
	}

	md, err := p.codec.Decode(resp)
	if err != nil {
		target.IncMetadataFailure()
		return
	}
	target.SetMetadata(md)
}

// HandleRequest answers an inbound metadata request with our own metadata,
// wired into the Req/Resp engine via RegisterMethod(metadataProtocolName, ...).
func (p *Pinger) HandleRequest(ctx context.Context, from *Peer, request []byte) ([]byte, error) {
	own := p.provider.OwnMetadata()
	if own == nil {
		return nil, &ResourceUnavailableError{Cause: context.DeadlineExceeded}
	}
	return p.codec.Encode(own)
}

// MessageType returns the wire message descriptor used for the metadata
// exchange, for the caller to register against the Req/Resp engine.
func (p *Pinger) MessageType() MessageType { return p.msg }
