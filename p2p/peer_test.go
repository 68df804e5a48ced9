package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	id, err := test.RandPeerID()
	require.NoError(t, err)
	return newPeer(id, nil, 2, scoreLowLimit, scoreHighLimit, maxRequestQuota, fullReplenishTime)
}

func TestPeerTransition_FreshInboundConnect(t *testing.T) {
	p := newTestPeer(t)
	require.Equal(t, StateNone, p.State())

	prev, dup := p.transition(StateConnecting, DirInbound)
	require.Equal(t, StateNone, prev)
	require.False(t, dup)
	require.Equal(t, StateConnecting, p.State())
	require.Equal(t, DirInbound, p.Direction())

	_, dup = p.transition(StateConnected, DirInbound)
	require.False(t, dup)
	require.Equal(t, StateConnected, p.State())
	require.True(t, p.Active())
}

func TestPeerTransition_DuplicateConnectionRefcounted(t *testing.T) {
	p := newTestPeer(t)
	p.transition(StateConnecting, DirOutbound)
	p.transition(StateConnected, DirOutbound)

	// a second physical connection from the same logical peer
	_, dup := p.transition(StateConnected, DirOutbound)
	require.True(t, dup)
	require.Equal(t, StateConnected, p.State())

	// disconnecting once must not fully tear the peer down while the
	// duplicate connection is still live
	p.transition(StateDisconnecting, DirOutbound)
	prev, _ := p.transition(StateDisconnected, DirOutbound)
	require.Equal(t, StateDisconnecting, prev)
	require.Equal(t, StateDisconnecting, p.State())

	select {
	case <-p.Disconnected():
		t.Fatalf("disconnected channel closed before refcount reached zero")
	default:
	}

	prev, _ = p.transition(StateDisconnected, DirOutbound)
	require.Equal(t, StateDisconnecting, prev)
	require.Equal(t, StateDisconnected, p.State())

	select {
	case <-p.Disconnected():
	default:
		t.Fatalf("disconnected channel should be closed once refcount reaches zero")
	}
}

func TestPeerTransition_ReconnectResetsScore(t *testing.T) {
	p := newTestPeer(t)
	p.transition(StateConnecting, DirOutbound)
	p.transition(StateConnected, DirOutbound)
	p.ApplyScoreDelta(-50, nil)
	require.Equal(t, -50, p.Score())

	p.transition(StateDisconnecting, DirOutbound)
	p.transition(StateDisconnected, DirOutbound)

	p.transition(StateConnecting, DirOutbound)
	require.Equal(t, 0, p.Score())
}

func TestPeerApplyScoreDelta_ClampsAndSignalsLowCrossing(t *testing.T) {
	p := newTestPeer(t)
	p.score = scoreLowLimit + 1

	crossed := p.ApplyScoreDelta(-5, nil)
	require.True(t, crossed)
	require.Equal(t, scoreLowLimit, p.Score())

	crossed = p.ApplyScoreDelta(-5, nil)
	require.False(t, crossed, "already at the floor, no new crossing")
}

func TestPeerProtocolState_OutOfRangeIsSafeNoOp(t *testing.T) {
	p := newTestPeer(t)
	require.Nil(t, p.ProtocolState(5))
	p.SetProtocolState(5, "ignored")
	require.Nil(t, p.ProtocolState(0))

	p.SetProtocolState(0, "hello")
	require.Equal(t, "hello", p.ProtocolState(0))
}

func TestThroughputEMA_ConvergesTowardSteadyRate(t *testing.T) {
	var ema throughputEMA
	for i := 0; i < 50; i++ {
		ema.observe(1000)
	}
	value, samples := ema.get()
	require.EqualValues(t, 50, samples)
	require.InDelta(t, 1000, value, 1)
}

func TestDirectionFromNetwork(t *testing.T) {
	require.Equal(t, DirInbound, directionFromNetwork(network.DirInbound))
	require.Equal(t, DirOutbound, directionFromNetwork(network.DirOutbound))
	require.Equal(t, DirUnknown, directionFromNetwork(network.DirUnknown))
}

// ensures the peer's disconnect-reason bookkeeping round-trips; used by the
// seen-table reason mapping in network.go.
func TestDisconnectReasonGoodbyeCodes(t *testing.T) {
	require.EqualValues(t, 1, ReasonClientShutdown.GoodbyeCode())
	require.EqualValues(t, 2, ReasonIrrelevantNetwork.GoodbyeCode())
	require.EqualValues(t, 237, ReasonPeerScoreLow.GoodbyeCode())
}
