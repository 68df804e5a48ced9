package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// RequestHandler answers one inbound request with either a single response
// payload or, for list-typed messages, nil and writes chunks itself via
// ChunkWriter (set on the context by the stream handler). Returning a
// *InvalidInputsError or *ResourceUnavailableError maps to CodeInvalidRequest
// / CodeResourceUnavailable; any other error maps to CodeServerError.
type RequestHandler func(ctx context.Context, from *Peer, request []byte) (response []byte, err error)

// reqRespMethod bundles everything the engine needs to serve or call one
// message type: its wire protocol id, size bounds, and handler.
type reqRespMethod struct {
	id      protocol.ID
	msg     MessageType
	handler RequestHandler
}

// ReqResp is the Req/Resp engine: it opens outbound streams and
// registers inbound stream handlers against a libp2p host, charging quota
// and applying score deltas on both sides the way op-node/p2p/sync.go's
// P2PSyncClient/P2PReqRespServer pair does for its single sync protocol,
// generalized here to an arbitrary set of registered methods.
type ReqResp struct {
	log  log.Logger
	host hostStreams
	net  peerLookup
	m    *Metrics

	streamOpenTimeout time.Duration
	respTimeout       time.Duration

	globalQuota *Quota
	counters    *throttleCounters

	methods map[protocol.ID]*reqRespMethod

	// disconnect schedules an active disconnect once a score update
	// crosses the low threshold; see Network.disconnect.
	disconnect func(peer.ID, DisconnectReason)
}

// hostStreams is the narrow libp2p host surface the engine needs: opening
// new streams and mounting handlers. A real *host.Host satisfies it.
type hostStreams interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
}

// NewReqResp builds an engine bound to host, with a global quota shared
// across all inbound requests regardless of origin peer (mirroring
// op-node/p2p/sync.go's globalRequestsRL).
func NewReqResp(logger log.Logger, host hostStreams, net peerLookup, m *Metrics, cfg *Config, disconnect func(peer.ID, DisconnectReason)) *ReqResp {
	return &ReqResp{
		log:               logger,
		host:              host,
		net:               net,
		m:                 m,
		streamOpenTimeout: cfg.StreamOpenTimeout,
		respTimeout:       cfg.RespTimeout,
		globalQuota:       NewQuota(cfg.MaxRequestsPerPeer*4, cfg.QuotaReplenishTime),
		counters:          newThrottleCounters(),
		methods:           make(map[protocol.ID]*reqRespMethod),
		disconnect:        disconnect,
	}
}

// applyScore applies delta to p's score and schedules a disconnect once the
// update crosses the low-score threshold, so no caller can apply a score
// delta and silently drop the resulting disconnect obligation.
func (r *ReqResp) applyScore(p *Peer, delta int) {
	if p.ApplyScoreDelta(delta, r.m) {
		r.disconnect(p.ID(), ReasonPeerScoreLow)
	}
}

// RegisterMethod mounts handler for msg under name and wires the libp2p
// stream handler. Call once per message type at orchestrator start, before
// the host begins accepting connections.
func (r *ReqResp) RegisterMethod(name string, msg MessageType, handler RequestHandler) {
	id := ProtocolID(name, msg)
	method := &reqRespMethod{id: id, msg: msg, handler: handler}
	r.methods[id] = method
	r.host.SetStreamHandler(id, r.streamHandler(method))
}

// Send performs one outbound request: open a stream, write the request
// chunk, half-close the write side, read back one response chunk (or a
// sequence for list-typed messages), and apply score feedback to the
// target peer based on the outcome.
//
// For non-list messages it returns the single decoded payload. For
// list-typed messages it returns the concatenation boundary information
// via chunks; callers needing per-chunk access should use SendList.
func (r *ReqResp) Send(ctx context.Context, to peer.ID, name string, msg MessageType, request []byte) ([]byte, error) {
	chunks, err := r.SendList(ctx, to, name, msg, request, 1)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// SendList performs an outbound request expecting up to maxChunks response
// chunks, terminating early on a clean EOF. A (maxChunks+1)th chunk is a
// protocol violation (ResponseChunkOverflow) and descores the peer.
func (r *ReqResp) SendList(ctx context.Context, to peer.ID, name string, msg MessageType, request []byte, maxChunks int) ([][]byte, error) {
	id := ProtocolID(name, msg)

	openCtx, cancel := context.WithTimeout(ctx, r.streamOpenTimeout)
	stream, err := r.host.NewStream(openCtx, to, id)
	cancel()
	if err != nil {
		r.scoreOutcome(to, StreamOpenTimeoutKind)
		return nil, fmt.Errorf("open stream to %s for %s: %w", to, id, err)
	}
	defer stream.Close()

	if err := EncodeChunk(stream, nil, nil, request); err != nil {
		r.scoreOutcome(to, KindOf(err))
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close write side to %s: %w", to, err)
	}

	var chunks [][]byte
	for i := 0; i < maxChunks+1; i++ {
		_ = stream.SetReadDeadline(time.Now().Add(r.respTimeout))
		chunk, err := DecodeResponseChunk(stream, msg.ChunkMaxSize(), msg.HasContextBytes())
		if err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				break // clean end of a list response
			}
			kind := KindOf(err)
			r.scoreOutcome(to, kind)
			r.m.IncReqResp(name, "error")
			return nil, err
		}
		if i == maxChunks {
			r.scoreOutcome(to, ResponseChunkOverflow)
			r.m.IncReqResp(name, "overflow")
			return nil, &CodecError{Kind: ResponseChunkOverflow, Cause: fmt.Errorf("peer sent more than %d chunks", maxChunks)}
		}
		chunks = append(chunks, chunk.Payload)
		if !msg.IsList {
			break
		}
	}

	if p, ok := r.net.Peer(to); ok {
		r.applyScore(p, PeerScoreGoodValues)
	}
	r.m.IncReqResp(name, "success")
	return chunks, nil
}

// scoreOutcome applies the score delta a Req/Resp ErrorKind implies to the
// remote side of the exchange, if the peer is still tracked.
func (r *ReqResp) scoreOutcome(id peer.ID, kind ErrorKind) {
	delta := scoreDeltaForKind(kind)
	if delta == 0 {
		return
	}
	if p, ok := r.net.Peer(id); ok {
		r.applyScore(p, delta)
	}
}

// streamHandler builds the libp2p network.StreamHandler for one registered
// method, implementing the decode-error-to-response-code mapping and quota
// charge described for inbound requests.
func (r *ReqResp) streamHandler(method *reqRespMethod) network.StreamHandler {
	return func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		logger := r.log.New("peer", remote, "protocol", method.id)

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic handling p2p request", "err", rec)
			}
		}()

		p, ok := r.net.Peer(remote)
		if !ok {
			logger.Debug("dropping request from unknown peer")
			return
		}
		switch p.State() {
		case StateDisconnecting, StateDisconnected, StateNone:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.respTimeout)
		defer cancel()

		if err := consumeOrAwait(ctx, r.globalQuota, r.counters, r.m, string(method.id), 1); err != nil {
			logger.Debug("request dropped waiting for global quota", "err", err)
			return
		}
		if err := consumeOrAwait(ctx, p.Quota(), r.counters, r.m, string(method.id), 1); err != nil {
			logger.Debug("request dropped waiting for peer quota", "err", err)
			return
		}

		_ = stream.SetReadDeadline(time.Now().Add(r.respTimeout))
		req, err := DecodeRequestChunk(stream, method.msg.ChunkMaxSize())
		if err != nil {
			logger.Debug("failed to decode request", "err", err)
			kind := KindOf(err)
			code, msg, silent := classifyDecodeError(kind)
			if !silent {
				r.writeErrorChunk(stream, code, msg)
			}
			r.applyScore(p, scoreDeltaForKind(kind))
			return
		}
		_ = stream.CloseRead()

		resp, err := method.handler(ctx, p, req)
		if err != nil {
			code, msg := classifyHandlerError(err)
			r.writeErrorChunk(stream, code, msg)
			if code == CodeInvalidRequest {
				r.applyScore(p, PeerScoreInvalidRequest)
			}
			r.m.IncReqResp(string(method.id), "handler_error")
			return
		}

		_ = stream.SetWriteDeadline(time.Now().Add(r.respTimeout))
		success := CodeSuccess
		if err := EncodeChunk(stream, &success, nil, resp); err != nil {
			logger.Debug("failed to write response chunk", "err", err)
			return
		}
		r.applyScore(p, PeerScoreGoodValues)
		r.m.IncReqResp(string(method.id), "success")
	}
}

// classifyDecodeError maps a request-chunk decode failure's ErrorKind to the
// response code and message to send back, per the inbound decode-error
// table: a broken connection gets no response at all (there is nothing to
// write to), unrecognized context bytes is our own fork-tracking problem and
// reported as a server error, and every other decode failure is the
// requester's malformed input.
func classifyDecodeError(kind ErrorKind) (code ResponseCode, msg string, silent bool) {
	switch kind {
	case BrokenConnection:
		return 0, "", true
	case InvalidContextBytes:
		return CodeServerError, "unrecognized context bytes", false
	case UnexpectedEOF, PotentiallyExpectedEOF, InvalidSnappyBytes, InvalidSszBytes,
		InvalidSizePrefix, ZeroSizePrefix, SizePrefixOverflow, ResponseChunkOverflow:
		return CodeInvalidRequest, "malformed request", false
	default:
		return CodeServerError, "internal error", false
	}
}

// classifyHandlerError maps a RequestHandler error to the response code and
// message sent back to the requester, per the inbound error taxonomy:
// malformed input is the requester's fault, resource unavailability is
// transient on our side, and anything else is an internal server error.
func classifyHandlerError(err error) (ResponseCode, string) {
	var invalid *InvalidInputsError
	var unavailable *ResourceUnavailableError
	switch {
	case errors.As(err, &invalid):
		return CodeInvalidRequest, "invalid request"
	case errors.As(err, &unavailable):
		return CodeResourceUnavailable, "resource unavailable"
	default:
		return CodeServerError, "internal error"
	}
}

func (r *ReqResp) writeErrorChunk(w io.Writer, code ResponseCode, msg string) {
	_ = EncodeChunk(w, &code, nil, []byte(msg))
}
