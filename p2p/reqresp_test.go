package p2p

import (
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

// fakePeerLookup resolves exactly one *Peer, the way a real Network's pool
// would for the one id under test.
type fakePeerLookup struct{ p *Peer }

func (f fakePeerLookup) Peer(id peer.ID) (*Peer, bool) {
	if f.p == nil || f.p.ID() != id {
		return nil, false
	}
	return f.p, true
}

func TestClassifyDecodeError_BrokenConnectionIsSilent(t *testing.T) {
	code, msg, silent := classifyDecodeError(BrokenConnection)
	require.True(t, silent)
	require.Empty(t, msg)
	require.Zero(t, code)
}

func TestClassifyDecodeError_InvalidContextBytesIsServerError(t *testing.T) {
	code, msg, silent := classifyDecodeError(InvalidContextBytes)
	require.False(t, silent)
	require.Equal(t, CodeServerError, code)
	require.NotEmpty(t, msg)
}

func TestClassifyDecodeError_MalformedInputKindsAreInvalidRequest(t *testing.T) {
	for _, kind := range []ErrorKind{
		UnexpectedEOF, PotentiallyExpectedEOF, InvalidSnappyBytes, InvalidSszBytes,
		InvalidSizePrefix, ZeroSizePrefix, SizePrefixOverflow, ResponseChunkOverflow,
	} {
		code, _, silent := classifyDecodeError(kind)
		require.False(t, silent, kind.String())
		require.Equal(t, CodeInvalidRequest, code, kind.String())
	}
}

func TestClassifyDecodeError_UnknownKindIsServerError(t *testing.T) {
	code, _, silent := classifyDecodeError(UnknownError)
	require.False(t, silent)
	require.Equal(t, CodeServerError, code)
}

func TestClassifyHandlerError(t *testing.T) {
	code, _ := classifyHandlerError(&InvalidInputsError{Cause: errors.New("bad")})
	require.Equal(t, CodeInvalidRequest, code)

	code, _ = classifyHandlerError(&ResourceUnavailableError{Cause: errors.New("missing")})
	require.Equal(t, CodeResourceUnavailable, code)

	code, _ = classifyHandlerError(errors.New("boom"))
	require.Equal(t, CodeServerError, code)
}

func TestReqResp_ScoreOutcomeCrossingLowTriggersDisconnect(t *testing.T) {
	id, err := test.RandPeerID()
	require.NoError(t, err)
	p := newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, maxRequestQuota, fullReplenishTime)
	p.score = scoreLowLimit + 1

	var gotID peer.ID
	var gotReason DisconnectReason
	r := &ReqResp{
		net: fakePeerLookup{p: p},
		disconnect: func(id peer.ID, reason DisconnectReason) {
			gotID = id
			gotReason = reason
		},
	}

	r.scoreOutcome(id, InvalidSnappyBytes) // protocol violation -> PeerScoreInvalidRequest

	require.Equal(t, id, gotID)
	require.Equal(t, ReasonPeerScoreLow, gotReason)
	require.Equal(t, scoreLowLimit, p.Score())
}

func TestReqResp_ScoreOutcomeNoCrossingDoesNotDisconnect(t *testing.T) {
	id, err := test.RandPeerID()
	require.NoError(t, err)
	p := newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, maxRequestQuota, fullReplenishTime)

	called := false
	r := &ReqResp{
		net:        fakePeerLookup{p: p},
		disconnect: func(peer.ID, DisconnectReason) { called = true },
	}
	r.scoreOutcome(id, StreamOpenTimeoutKind) // PeerScorePoorRequest, far from the floor
	require.False(t, called)
}

func TestReqResp_ScoreOutcomeUnknownPeerSkipsDisconnect(t *testing.T) {
	id, err := test.RandPeerID()
	require.NoError(t, err)
	r := &ReqResp{
		net:        fakePeerLookup{p: nil},
		disconnect: func(peer.ID, DisconnectReason) { t.Fatal("must not be called") },
	}
	r.scoreOutcome(id, ReadResponseTimeoutKind)
}

func TestReqResp_ApplyScoreUpdatesPeerEvenWithoutDisconnect(t *testing.T) {
	id, err := test.RandPeerID()
	require.NoError(t, err)
	p := newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, maxRequestQuota, fullReplenishTime)

	r := &ReqResp{disconnect: func(peer.ID, DisconnectReason) {}}
	r.applyScore(p, PeerScoreGoodValues)
	require.Equal(t, PeerScoreGoodValues, p.Score())
}
