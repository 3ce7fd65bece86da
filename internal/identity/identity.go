// Package identity implements long-term node identity, fingerprinting, and
// ephemeral peer-id rotation: a Curve25519 static keypair for
// Noise-XX plus a separate Ed25519 signing keypair, stored once on first run
// and destroyed only on an explicit panic-wipe.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const (
	// DHPrivateKeySize is the Curve25519 private key size.
	DHPrivateKeySize = 32
	// DHPublicKeySize is the Curve25519 public key size.
	DHPublicKeySize = 32
)

// Identity holds a node's long-lived static DH keypair (for Noise-XX) and
// its separate Ed25519 signing keypair (for IdentityAnnounce), plus the
// fingerprint derived from the DH public key.
type Identity struct {
	DHPrivateKey [DHPrivateKeySize]byte
	DHPublicKey  [DHPublicKeySize]byte

	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey

	Fingerprint Fingerprint
}

// onDisk is the serialized form persisted to the identity key file. Only
// the private seeds are strictly necessary; public material and the
// fingerprint are re-derived from them on load.
type onDisk struct {
	DHPrivateKey      [DHPrivateKeySize]byte `json:"dh_private_key"`
	SigningPrivateKey []byte                 `json:"signing_private_key"`
}

// Generate creates a new random identity: a fresh Curve25519 static keypair
// and a fresh Ed25519 signing keypair.
func Generate() (*Identity, error) {
	var dhPriv [DHPrivateKeySize]byte
	if _, err := rand.Read(dhPriv[:]); err != nil {
		return nil, fmt.Errorf("generate dh private key: %w", err)
	}
	// Clamp per Curve25519 convention.
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return fromKeys(dhPriv, signPriv, signPub)
}

func fromKeys(dhPriv [DHPrivateKeySize]byte, signPriv ed25519.PrivateKey, signPub ed25519.PublicKey) (*Identity, error) {
	pub, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive dh public key: %w", err)
	}

	id := &Identity{
		DHPrivateKey:      dhPriv,
		SigningPrivateKey: signPriv,
		SigningPublicKey:  signPub,
	}
	copy(id.DHPublicKey[:], pub)
	id.Fingerprint = FingerprintFromPublicKey(id.DHPublicKey[:])
	return id, nil
}

// LoadOrGenerate loads an identity from path, or generates and persists a
// new one if the file does not exist. An unreadable or malformed key file
// is reported as an error and left untouched.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var stored onDisk
		if jsonErr := json.Unmarshal(data, &stored); jsonErr != nil || len(stored.SigningPrivateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("load identity: malformed key file %s", path)
		}
		signPriv := ed25519.PrivateKey(stored.SigningPrivateKey)
		signPub := signPriv.Public().(ed25519.PublicKey)
		return fromKeys(stored.DHPrivateKey, signPriv, signPub)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.save(path); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	stored := onDisk{
		DHPrivateKey:      id.DHPrivateKey,
		SigningPrivateKey: id.SigningPrivateKey,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// DHPublicKeyHex returns the static DH public key as a hex string.
func (id *Identity) DHPublicKeyHex() string {
	return hex.EncodeToString(id.DHPublicKey[:])
}

// String returns a human-readable identity summary.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{fingerprint=%s, dh_pubkey=%s...}", id.Fingerprint, id.DHPublicKeyHex()[:16])
}
