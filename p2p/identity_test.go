package p2p

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestResolveIdentity_RandomSentinelNeverRepeats(t *testing.T) {
	keyA, err := ResolveIdentity("random", "")
	require.NoError(t, err)
	keyB, err := ResolveIdentity("random", "")
	require.NoError(t, err)

	idA, err := peer.IDFromPrivateKey(keyA)
	require.NoError(t, err)
	idB, err := peer.IDFromPrivateKey(keyB)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
}

func TestResolveIdentity_SamePathLoadsSameKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	keyA, err := ResolveIdentity(path, "")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err, "first resolution must persist a keystore file")

	keyB, err := ResolveIdentity(path, "")
	require.NoError(t, err)

	idA, err := peer.IDFromPrivateKey(keyA)
	require.NoError(t, err)
	idB, err := peer.IDFromPrivateKey(keyB)
	require.NoError(t, err)
	require.Equal(t, idA, idB)
}

func TestResolveIdentity_EmptyPathIsConfigError(t *testing.T) {
	_, err := ResolveIdentity("", "")
	require.Error(t, err)
}

func TestResolveIdentity_WrongPasswordFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	_, err := ResolveIdentity(path, "correct horse battery staple")
	require.NoError(t, err)

	_, err = ResolveIdentity(path, "wrong password")
	require.Error(t, err)
}

func TestInsecureDefaultPassword_MatchesDocumentedLiteral(t *testing.T) {
	require.Equal(t, "p2p-dev-key-do-not-use-in-prod", insecureDefaultPassword)
}

func TestRandomIdentitySentinel_MatchesDocumentedLiteral(t *testing.T) {
	require.Equal(t, "random", randomIdentitySentinel)
}
