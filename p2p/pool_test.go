package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestPool_AdmitRespectsMaxPeers(t *testing.T) {
	pool := NewPool(2, 1.0, nil)

	id1, _ := test.RandPeerID()
	id2, _ := test.RandPeerID()

	p1, _ := pool.GetOrCreate(id1, func() *Peer { return newPeer(id1, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
	p1.transition(StateConnecting, DirOutbound)
	p1.transition(StateConnected, DirOutbound)

	p2, _ := pool.GetOrCreate(id2, func() *Peer { return newPeer(id2, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
	p2.transition(StateConnecting, DirOutbound)
	p2.transition(StateConnected, DirOutbound)

	require.Equal(t, AdmitNoSpace, pool.Admit(nil, DirOutbound))
}

func TestPool_AdmitRespectsInboundRatio(t *testing.T) {
	pool := NewPool(10, 0.2, nil) // at most 2 inbound

	for i := 0; i < 2; i++ {
		id, _ := test.RandPeerID()
		p, _ := pool.GetOrCreate(id, func() *Peer { return newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
		p.transition(StateConnecting, DirInbound)
		p.transition(StateConnected, DirInbound)
	}

	require.Equal(t, AdmitNoSpace, pool.Admit(nil, DirInbound))
	require.Equal(t, AdmitSuccess, pool.Admit(nil, DirOutbound))
}

func TestPool_AdmitRefusesDuplicateAndDeadPeer(t *testing.T) {
	pool := NewPool(10, 1.0, nil)
	id, _ := test.RandPeerID()
	p, _ := pool.GetOrCreate(id, func() *Peer { return newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
	p.transition(StateConnecting, DirOutbound)
	p.transition(StateConnected, DirOutbound)

	require.Equal(t, AdmitDuplicate, pool.Admit(p, DirOutbound))

	p.transition(StateDisconnecting, DirOutbound)
	p.transition(StateDisconnected, DirOutbound)
	p.score = scoreLowLimit

	require.Equal(t, AdmitDeadPeer, pool.Admit(p, DirOutbound))
}

func TestPool_RemoveInvokesOnDeleteAndCountChanged(t *testing.T) {
	pool := NewPool(10, 1.0, nil)
	var deleted bool
	var lastInbound, lastOutbound int
	pool.SetOnDelete(func(p *Peer) { deleted = true })
	pool.SetOnCountChanged(func(inbound, outbound int) { lastInbound, lastOutbound = inbound, outbound })

	id, _ := test.RandPeerID()
	p, _ := pool.GetOrCreate(id, func() *Peer { return newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
	p.transition(StateConnecting, DirOutbound)
	p.transition(StateConnected, DirOutbound)
	pool.NotifyCountChanged()
	require.Equal(t, 1, lastOutbound)

	pool.Remove(id)
	require.True(t, deleted)
	_, ok := pool.Get(id)
	require.False(t, ok)

	pool.NotifyCountChanged()
	require.Equal(t, 0, lastOutbound)
	require.Equal(t, 0, lastInbound)
}
