package p2p

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAssignsDenseIndices(t *testing.T) {
	r := NewRegistry()
	a := &ProtocolDescriptor{Name: "a"}
	b := &ProtocolDescriptor{Name: "b"}

	require.Equal(t, 0, r.Register(a))
	require.Equal(t, 1, r.Register(b))
	require.Equal(t, 2, r.SlotCount())
	require.Equal(t, []*ProtocolDescriptor{a, b}, r.Descriptors())
}

func TestRegistry_RegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	d := &ProtocolDescriptor{Name: "dup"}
	r.Register(d)
	require.Panics(t, func() { r.Register(d) })
}

func TestRegistry_NetworkStateInitRunsOncePerDescriptor(t *testing.T) {
	r := NewRegistry()
	calls := 0
	d := &ProtocolDescriptor{
		Name: "stateful",
		PerNetworkStateInit: func() interface{} {
			calls++
			return "state"
		},
	}
	idx := r.Register(d)
	require.Equal(t, 1, calls)
	require.Equal(t, "state", r.NetworkState(idx))
}

func TestRegistry_ConnectHooksStopAtFirstError(t *testing.T) {
	r := NewRegistry()
	var ran []string
	ok := &ProtocolDescriptor{
		Name: "ok",
		OnPeerConnected: func(ctx context.Context, p *Peer) error {
			ran = append(ran, "ok")
			return nil
		},
	}
	failing := &ProtocolDescriptor{
		Name: "failing",
		OnPeerConnected: func(ctx context.Context, p *Peer) error {
			ran = append(ran, "failing")
			return errors.New("boom")
		},
	}
	neverRuns := &ProtocolDescriptor{
		Name: "never",
		OnPeerConnected: func(ctx context.Context, p *Peer) error {
			ran = append(ran, "never")
			return nil
		},
	}
	r.Register(ok)
	r.Register(failing)
	r.Register(neverRuns)

	p := newPeer("", nil, r.SlotCount(), scoreLowLimit, scoreHighLimit, 1, 0)
	err := r.runConnectHooks(context.Background(), p)
	require.Error(t, err)
	require.Equal(t, []string{"ok", "failing"}, ran)
}

func TestRegistry_PerPeerStateInitOnlyRunsOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	d := &ProtocolDescriptor{
		Name: "peer-state",
		PerPeerStateInit: func() interface{} {
			calls++
			return calls
		},
	}
	r.Register(d)
	p := newPeer("", nil, r.SlotCount(), scoreLowLimit, scoreHighLimit, 1, 0)

	require.NoError(t, r.runConnectHooks(context.Background(), p))
	require.NoError(t, r.runConnectHooks(context.Background(), p))
	require.Equal(t, 1, calls)
}

func TestProtocolID_Format(t *testing.T) {
	id := ProtocolID("status", MessageType{Version: "1"})
	require.EqualValues(t, "/eth2/beacon_chain/req/status/1/ssz_snappy", id)
}
