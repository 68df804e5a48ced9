package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyAgent(t *testing.T) {
	cases := map[string]ClientKind{
		"lighthouse/v4.5.0-aa/x86_64-linux": ClientLighthouse,
		"Prysm/v4.0.0/abcdef":               ClientPrysm,
		"teku/teku/v23.10.0":                ClientTeku,
		"js-libp2p-lodestar/1.0.0":          ClientLodestar,
		"grandine/0.3.0":                    ClientGrandine,
		"nimbus":                            ClientNimbus,
		"some-other-client/1.0":             ClientUnknown,
		"":                                  ClientUnknown,
	}
	for agent, want := range cases {
		require.Equal(t, want, ClassifyAgent(agent), "agent=%q", agent)
	}
}

func TestClientKindString(t *testing.T) {
	require.Equal(t, "lighthouse", ClientLighthouse.String())
	require.Equal(t, "unknown", ClientKind(99).String())
}
