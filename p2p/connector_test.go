package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestConnectOutcomeString(t *testing.T) {
	require.Equal(t, "ok", ConnectOK.String())
	require.Equal(t, "timeout", ConnectTimeoutOutcome.String())
	require.Equal(t, "refused", ConnectRefused.String())
	require.Equal(t, "already_active", ConnectAlreadyActive.String())
	require.Equal(t, "blocked", ConnectBlocked.String())
}

func TestConnector_DialSkipsSelf(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	c := NewConnector(log.Root(), h, NewPool(10, 1.0, nil), NewSeenTable(), nil, 1, time.Second)
	c.dial(context.Background(), PeerAddress{ID: h.ID()})
}

func TestConnector_DialSkipsBlockedPeer(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	seen := NewSeenTable()
	target, err := test.RandPeerID()
	require.NoError(t, err)
	seen.Mark(target, SeenFaultOrError)

	c := NewConnector(log.Root(), h, NewPool(10, 1.0, nil), seen, nil, 1, time.Second)
	c.dial(context.Background(), PeerAddress{ID: target, Addrs: []string{"/ip4/127.0.0.1/tcp/4000"}})
	require.True(t, seen.Blocked(target))
}

func TestConnector_DialSkipsAlreadyActivePeer(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	pool := NewPool(10, 1.0, nil)
	id, err := test.RandPeerID()
	require.NoError(t, err)
	p, _ := pool.GetOrCreate(id, func() *Peer { return newPeer(id, nil, 0, scoreLowLimit, scoreHighLimit, 1, 0) })
	p.transition(StateConnecting, DirOutbound)
	p.transition(StateConnected, DirOutbound)

	c := NewConnector(log.Root(), h, pool, NewSeenTable(), nil, 1, time.Second)
	c.dial(context.Background(), PeerAddress{ID: id, Addrs: []string{"/ip4/127.0.0.1/tcp/4000"}})
}

func TestConnector_DialRefusesAddressWithNoParsableMultiaddrs(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	c := NewConnector(log.Root(), h, NewPool(10, 1.0, nil), NewSeenTable(), nil, 1, time.Second)
	target, err := test.RandPeerID()
	require.NoError(t, err)
	c.dial(context.Background(), PeerAddress{ID: target, Addrs: []string{"not-a-multiaddr"}})
}
