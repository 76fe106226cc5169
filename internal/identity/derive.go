package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoMaster  = "pbp/identity/master/v1"
	hkdfInfoSigning = "pbp/identity/signing/v1"
	hkdfInfoComm    = "pbp/identity/comm/v1"
)

// DeriveKeys expands recovery seed material into the three key pairs of an
// identity.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	if len(seedBytes) == 0 {
		return nil, errors.New("empty seed")
	}
	masterSeed, err := hkdfExpand(seedBytes, hkdfInfoMaster, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(masterSeed)
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingSeed)
	commSeed, err := hkdfExpand(seedBytes, hkdfInfoComm, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(commSeed)
	return keysFromSeeds(masterSeed, signingSeed, commSeed)
}

func keysFromSeeds(masterSeed, signingSeed, commSecret []byte) (*DerivedKeys, error) {
	if len(masterSeed) != ed25519.SeedSize || len(signingSeed) != ed25519.SeedSize || len(commSecret) != curve25519.ScalarSize {
		return nil, errors.New("invalid key seed size")
	}
	keys := &DerivedKeys{
		MasterPrivateKey:  ed25519.NewKeyFromSeed(masterSeed),
		SigningPrivateKey: ed25519.NewKeyFromSeed(signingSeed),
	}
	copy(keys.CommSecret[:], commSecret)
	pub, err := curve25519.X25519(keys.CommSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(keys.CommPublic[:], pub)
	return keys, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
