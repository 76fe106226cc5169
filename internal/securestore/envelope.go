package securestore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedMagic opens every passphrase-protected secret key record.
var sealedMagic = []byte("PBPSEC\x00\x02")

const (
	sealedVersion = 2
	saltSize      = 16
	kdfArgon2id   = "argon2id"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore record is invalid")
)

// sealedHeader is authenticated as associated data, so a record cannot be
// replayed under a cheaper cost or a different salt.
type sealedHeader struct {
	Version  uint32 `cbor:"1,keyasint"`
	KDF      string `cbor:"2,keyasint"`
	Time     uint32 `cbor:"3,keyasint"`
	MemoryKB uint32 `cbor:"4,keyasint"`
	Threads  uint8  `cbor:"5,keyasint"`
	Salt     []byte `cbor:"6,keyasint"`
}

type sealedRecord struct {
	Header     cbor.RawMessage `cbor:"1,keyasint"`
	Nonce      []byte          `cbor:"2,keyasint"`
	Ciphertext []byte          `cbor:"3,keyasint"`
}

var sealedEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encrypt seals plaintext under a key stretched from passphrase with a fresh
// salt. The cost used is recorded in the output.
func Encrypt(passphrase, plaintext []byte, p Params) ([]byte, error) {
	p = p.normalized()
	hdr := sealedHeader{
		Version:  sealedVersion,
		KDF:      kdfArgon2id,
		Time:     p.Time,
		MemoryKB: p.MemoryKB,
		Threads:  p.Threads,
		Salt:     make([]byte, saltSize),
	}
	if _, err := rand.Read(hdr.Salt); err != nil {
		return nil, err
	}
	rawHdr, err := sealedEncMode.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	aead, err := sealedAEAD(passphrase, hdr)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	rec := sealedRecord{
		Header:     rawHdr,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, rawHdr),
	}
	body, err := sealedEncMode.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), sealedMagic...), body...), nil
}

// Decrypt reverses Encrypt. A wrong passphrase and a modified ciphertext both
// give ErrAuthFailed; anything that does not parse gives ErrInvalid.
func Decrypt(passphrase, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealedMagic) {
		return nil, ErrInvalid
	}
	var rec sealedRecord
	if err := cbor.Unmarshal(data[len(sealedMagic):], &rec); err != nil {
		return nil, ErrInvalid
	}
	var hdr sealedHeader
	if err := cbor.Unmarshal(rec.Header, &hdr); err != nil {
		return nil, ErrInvalid
	}
	if hdr.Version != sealedVersion || hdr.KDF != kdfArgon2id || hdr.Time == 0 || hdr.Threads == 0 ||
		len(hdr.Salt) != saltSize || len(rec.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	aead, err := sealedAEAD(passphrase, hdr)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, rec.Header)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func sealedAEAD(passphrase []byte, hdr sealedHeader) (cipher.AEAD, error) {
	p := Params{Time: hdr.Time, MemoryKB: hdr.MemoryKB, Threads: hdr.Threads}
	key := Stretch(passphrase, hdr.Salt, p, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	return chacha20poly1305.NewX(key)
}
