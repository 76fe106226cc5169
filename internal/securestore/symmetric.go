package securestore

import (
	"crypto/rand"
	"fmt"

	"pbp/go-pbp/internal/contracts"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// SealSymmetric encrypts msg under a key stretched with StretchFixed.
func SealSymmetric(key []byte, msg []byte) ([NonceSize]byte, []byte, error) {
	var nonce [NonceSize]byte
	box, err := symmetricKey(key)
	if err != nil {
		return nonce, nil, err
	}
	defer zeroBytes(box[:])
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	return nonce, secretbox.Seal(nil, msg, &nonce, &box), nil
}

// OpenSymmetric reverses SealSymmetric. Wrong passphrase and tampered input
// both yield ErrAuthenticationFailure.
func OpenSymmetric(key []byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	box, err := symmetricKey(key)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(box[:])
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, &box)
	if !ok {
		return nil, fmt.Errorf("symmetric packet: %w", contracts.ErrAuthenticationFailure)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func symmetricKey(key []byte) ([KeySize]byte, error) {
	var box [KeySize]byte
	if len(key) != KeySize {
		return box, fmt.Errorf("symmetric key is %d bytes, want %d", len(key), KeySize)
	}
	copy(box[:], key)
	return box, nil
}
