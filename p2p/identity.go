package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// insecureDefaultPassword is used to decrypt/encrypt the identity keystore
// when no password is supplied by the embedder. It exists so a node can be
// stood up without operator intervention; any deployment that cares about
// the key file's confidentiality at rest must supply its own password.
const insecureDefaultPassword = "p2p-dev-key-do-not-use-in-prod"

// randomIdentitySentinel, when passed as the keystore path, tells
// ResolveIdentity to generate a fresh, unpersisted key instead of loading
// one from disk. Each call with this sentinel returns a distinct peer.ID.
const randomIdentitySentinel = "random"

// ResolveIdentity implements the identity resolution order: an explicit
// request for a random key (path == "random"), a V3 keystore file at path
// (decrypted with password, or the insecure default if password is empty),
// or -- if no file exists yet at path -- a freshly generated key written
// back as a new V3 keystore so future restarts reuse it. An empty path is a
// configuration error: the embedder must either name a keystore file or
// opt into ephemeral identities with the "random" sentinel. Any failure
// here is fatal: a node cannot run without a stable identity, so
// ResolveIdentity never falls back silently.
func ResolveIdentity(path, password string) (libp2pcrypto.PrivKey, error) {
	if path == randomIdentitySentinel {
		return generateIdentity()
	}
	if path == "" {
		return nil, fmt.Errorf("p2p: no identity keystore path configured (use %q for an ephemeral key)", randomIdentitySentinel)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("p2p: resolve identity path %q: %w", path, err)
	}
	if password == "" {
		password = insecureDefaultPassword
	}

	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		return generateAndPersistIdentity(absPath, password)
	}
	if err != nil {
		return nil, fmt.Errorf("p2p: read identity keystore %q: %w", absPath, err)
	}

	key, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("p2p: decrypt identity keystore %q: %w", absPath, err)
	}
	return ecdsaToLibp2p(key.PrivateKey)
}

func generateIdentity() (libp2pcrypto.PrivKey, error) {
	ecdsaKey, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("p2p: generate identity key: %w", err)
	}
	return ecdsaToLibp2p(ecdsaKey)
}

func generateAndPersistIdentity(path, password string) (libp2pcrypto.PrivKey, error) {
	ecdsaKey, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("p2p: generate identity key: %w", err)
	}

	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuidFromKey(ecdsaKey),
		Address:    gethcrypto.PubkeyToAddress(ecdsaKey.PublicKey),
		PrivateKey: ecdsaKey,
	}, password, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return nil, fmt.Errorf("p2p: encrypt new identity keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("p2p: create identity keystore directory: %w", err)
	}
	if err := os.WriteFile(path, encrypted, 0600); err != nil {
		return nil, fmt.Errorf("p2p: write new identity keystore %q: %w", path, err)
	}
	return ecdsaToLibp2p(ecdsaKey)
}

// ecdsaToLibp2p converts a go-ethereum secp256k1 private key into the
// libp2p crypto.PrivKey this node's host identity needs.
func ecdsaToLibp2p(key *ecdsa.PrivateKey) (libp2pcrypto.PrivKey, error) {
	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(gethcrypto.FromECDSA(key))
	if err != nil {
		return nil, fmt.Errorf("p2p: convert identity key to libp2p form: %w", err)
	}
	return priv, nil
}

// peerIDFromPubkey derives the libp2p peer.ID a discovered node's ENR
// public key would present as, used by discovery.go to build dial
// candidates without requiring a live connection first.
func peerIDFromPubkey(pub *ecdsa.PublicKey) (peer.ID, error) {
	pubKey, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(gethcrypto.FromECDSAPub(pub))
	if err != nil {
		return "", fmt.Errorf("p2p: convert ENR pubkey to libp2p form: %w", err)
	}
	return peer.IDFromPublicKey(pubKey)
}

// uuidFromKey derives a deterministic-looking keystore UUID from the key's
// address bytes; go-ethereum's own CLI generates a random one; we only need
// something that round-trips through keystore.Key's JSON encoding, not
// cryptographically meaningful randomness.
func uuidFromKey(key *ecdsa.PrivateKey) uuid.UUID {
	addr := gethcrypto.PubkeyToAddress(key.PublicKey)
	var id uuid.UUID
	copy(id[:], addr[:16])
	return id
}
