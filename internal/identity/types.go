package identity

import (
	"crypto/ed25519"
	"time"
)

const (
	PublicKeySize = 32
	SignatureSize = 64

	// CertificationPrefixSize is the fixed-width part of a certification blob;
	// the name follows it.
	CertificationPrefixSize = 3 * PublicKeySize

	recordVersion = 1
)

// Identity is a named principal. Public halves are always present; secret
// halves are decrypted on first use and only for owned identities.
type Identity struct {
	Name             string
	MasterPublicKey  ed25519.PublicKey
	SigningPublicKey ed25519.PublicKey
	CommPublicKey    [PublicKeySize]byte
	Created          time.Time
	ValidUntil       time.Time
	// SelfSignature is the master key's detached signature over
	// CertificationBlob.
	SelfSignature [SignatureSize]byte

	mgr    *Manager
	owned  bool
	secret *secretKeys
}

type DerivedKeys struct {
	MasterPrivateKey  ed25519.PrivateKey // Ed25519 private key bytes (64)
	SigningPrivateKey ed25519.PrivateKey // Ed25519 private key bytes (64)
	CommSecret        [PublicKeySize]byte
	CommPublic        [PublicKeySize]byte
}

type secretKeys struct {
	master  ed25519.PrivateKey
	signing ed25519.PrivateKey
	comm    [PublicKeySize]byte
}

// publicRecord is the clear-text JSON form under public/<name>.pub.
type publicRecord struct {
	Version          uint32    `json:"version"`
	Name             string    `json:"name"`
	MasterPublicKey  []byte    `json:"master_public_key"`
	SigningPublicKey []byte    `json:"signing_public_key"`
	CommPublicKey    []byte    `json:"comm_public_key"`
	Created          time.Time `json:"created"`
	ValidUntil       time.Time `json:"valid_until"`
	SelfSignature    []byte    `json:"self_signature"`
}

// secretRecord is encrypted with securestore before it reaches disk.
type secretRecord struct {
	Version     uint32 `json:"version"`
	MasterSeed  []byte `json:"master_seed"`
	SigningSeed []byte `json:"signing_seed"`
	CommSecret  []byte `json:"comm_secret"`
}
