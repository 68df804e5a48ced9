package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMesh_PriorityOrdering(t *testing.T) {
	m := &Mesh{}
	require.Equal(t, priorityLowOutgoing, m.priority(1, 10))
	require.Equal(t, priorityBelowD, m.priority(4, 2))
	require.Equal(t, priorityBelowDOut, m.priority(5, 10))
	require.Equal(t, priorityNotHighOutgoing, m.priority(7, 10))
	require.Equal(t, priorityNone, m.priority(9, 10))
}

func TestCountSetBits(t *testing.T) {
	require.Equal(t, 0, countSetBits(nil))
	require.Equal(t, 1, countSetBits([]byte{0b0000_0001}))
	require.Equal(t, 8, countSetBits([]byte{0xff}))
	require.Equal(t, 9, countSetBits([]byte{0xff, 0x01}))
}

func TestMesh_TrimScoreGivesGracePeriodHighScore(t *testing.T) {
	m := NewMesh(nil, nil, nil, nil, 0, 10)
	p := newPeer("", nil, 0, scoreLowLimit, scoreHighLimit, 1, 0)
	// no metadata yet: treated as within grace period
	require.Equal(t, scoreHighLimit, m.trimScore(p))
}

func TestMesh_PickTrimVictimSkipsDirectPeers(t *testing.T) {
	pool := NewPool(10, 1.0, nil)
	m := NewMesh(nil, pool, nil, nil, 0, 10)
	m.gracePeriod = 0 // force real scoring instead of the post-connect grace score

	direct := newPeer("direct-peer", nil, 0, scoreLowLimit, scoreHighLimit, 1, 0)
	direct.transition(StateConnecting, DirOutbound)
	direct.transition(StateConnected, DirOutbound)
	direct.score = scoreLowLimit // would be the obvious victim if not exempt
	direct.SetMetadata(&Metadata{})

	other := newPeer("other-peer", nil, 0, scoreLowLimit, scoreHighLimit, 1, 0)
	other.transition(StateConnecting, DirOutbound)
	other.transition(StateConnected, DirOutbound)
	other.score = 50
	other.SetMetadata(&Metadata{})

	m.MarkDirect("direct-peer")
	victim := m.pickTrimVictim([]*Peer{direct, other})
	require.Equal(t, other, victim)
}
