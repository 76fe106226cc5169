package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/envelope"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/nacl/sign"
)

const (
	keyIDLen   = 16
	payloadKey = 32
)

// CertificationBlob is masterPub | commPub | signingPub | name. The three keys
// are fixed width so the name is everything after CertificationPrefixSize.
func (id *Identity) CertificationBlob() []byte {
	out := make([]byte, 0, CertificationPrefixSize+len(id.Name))
	out = append(out, id.MasterPublicKey...)
	out = append(out, id.CommPublicKey[:]...)
	out = append(out, id.SigningPublicKey...)
	return append(out, id.Name...)
}

// ParseCertificationBlob splits a blob into an unsigned Identity carrying
// only public keys and name.
func ParseCertificationBlob(blob []byte) (*Identity, error) {
	if len(blob) <= CertificationPrefixSize {
		return nil, fmt.Errorf("certification blob too short: %w", contracts.ErrCorruptPacket)
	}
	id := &Identity{
		MasterPublicKey:  append(ed25519.PublicKey(nil), blob[:PublicKeySize]...),
		SigningPublicKey: append(ed25519.PublicKey(nil), blob[2*PublicKeySize:3*PublicKeySize]...),
		Name:             string(blob[CertificationPrefixSize:]),
	}
	copy(id.CommPublicKey[:], blob[PublicKeySize:2*PublicKeySize])
	return id, nil
}

// KeyID is a short fingerprint of the master public key.
func (id *Identity) KeyID() string {
	sum := blake2b.Sum256(id.MasterPublicKey)
	enc := base58.Encode(sum[:])
	if len(enc) > keyIDLen {
		enc = enc[:keyIDLen]
	}
	return enc
}

// Valid reports whether now falls inside [Created, ValidUntil).
func (id *Identity) Valid(now time.Time) bool {
	return !now.Before(id.Created) && now.Before(id.ValidUntil)
}

// Owned reports whether a secret record exists for the identity.
func (id *Identity) Owned() bool { return id.owned }

// Sign returns signature(64) | data, made with the signing key or, when master
// is set, with the master key.
func (id *Identity) Sign(ctx context.Context, data []byte, master bool) ([]byte, error) {
	if err := id.ensureSecret(ctx); err != nil {
		return nil, err
	}
	priv := id.secret.signing
	if master {
		priv = id.secret.master
	}
	var key [ed25519.PrivateKeySize]byte
	copy(key[:], priv)
	defer zeroBytes(key[:])
	return sign.Sign(nil, data, &key), nil
}

// OpenAttached verifies signature(64) | message under pub and returns the
// message.
func OpenAttached(pub ed25519.PublicKey, signed []byte) ([]byte, bool) {
	if len(pub) != PublicKeySize || len(signed) < SignatureSize {
		return nil, false
	}
	var key [PublicKeySize]byte
	copy(key[:], pub)
	msg, ok := sign.Open(nil, signed, &key)
	if !ok {
		return nil, false
	}
	if msg == nil {
		msg = []byte{}
	}
	return msg, true
}

// Encrypt seals msg once under a fresh payload key and wraps that key for
// every recipient. The result is a framed hybrid packet.
func (id *Identity) Encrypt(ctx context.Context, msg []byte, recipients []*Identity) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients: %w", contracts.ErrUsage)
	}
	now := time.Now().UTC()
	if id.mgr != nil {
		now = id.mgr.Now()
	}
	for _, r := range recipients {
		if r == nil {
			return nil, fmt.Errorf("nil recipient: %w", contracts.ErrUsage)
		}
		if !r.Valid(now) {
			return nil, fmt.Errorf("recipient %q: %w", r.Name, contracts.ErrIdentityExpired)
		}
	}
	if err := id.ensureSecret(ctx); err != nil {
		return nil, err
	}

	var key [payloadKey]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, err
	}
	defer zeroBytes(key[:])

	env := &envelope.Envelope{Recipients: make([]envelope.RecipientSlot, 0, len(recipients))}
	if _, err := io.ReadFull(rand.Reader, env.PayloadNonce[:]); err != nil {
		return nil, err
	}
	env.Payload = secretbox.Seal(nil, msg, &env.PayloadNonce, &key)
	for _, r := range recipients {
		var slot envelope.RecipientSlot
		if _, err := io.ReadFull(rand.Reader, slot.Nonce[:]); err != nil {
			return nil, err
		}
		slot.Ciphertext = box.Seal(nil, key[:], &slot.Nonce, &r.CommPublicKey, &id.secret.comm)
		env.Recipients = append(env.Recipients, slot)
	}
	return envelope.Marshal(env)
}

// Decrypt opens a hybrid packet addressed to id. Every recipient slot is
// tried against every known identity; the one that opens names the sender.
// Any failure is contracts.ErrAuthenticationFailure and yields no plaintext.
func (id *Identity) Decrypt(ctx context.Context, packet []byte) (string, []byte, error) {
	env, err := envelope.Unmarshal(packet)
	if err != nil {
		return "", nil, err
	}
	if id.mgr == nil {
		return "", nil, errors.New("identity is not bound to a key ring")
	}
	if err := id.ensureSecret(ctx); err != nil {
		return "", nil, err
	}
	known, err := id.mgr.LoadAll()
	if err != nil {
		return "", nil, err
	}

	shared := make([][32]byte, len(known))
	for i, peer := range known {
		box.Precompute(&shared[i], &peer.CommPublicKey, &id.secret.comm)
	}
	defer func() {
		for i := range shared {
			zeroBytes(shared[i][:])
		}
	}()

	for _, slot := range env.Recipients {
		for i, peer := range known {
			key, ok := box.OpenAfterPrecomputation(nil, slot.Ciphertext, &slot.Nonce, &shared[i])
			if !ok {
				continue
			}
			if len(key) != payloadKey {
				zeroBytes(key)
				return "", nil, contracts.ErrAuthenticationFailure
			}
			var k [payloadKey]byte
			copy(k[:], key)
			zeroBytes(key)
			msg, ok := secretbox.Open(nil, env.Payload, &env.PayloadNonce, &k)
			zeroBytes(k[:])
			if !ok {
				return "", nil, contracts.ErrAuthenticationFailure
			}
			if msg == nil {
				msg = []byte{}
			}
			return peer.Name, msg, nil
		}
	}
	return "", nil, contracts.ErrAuthenticationFailure
}

// SharedSecret is the static X25519 agreement between id and peer.
func (id *Identity) SharedSecret(ctx context.Context, peer *Identity) ([]byte, error) {
	if peer == nil {
		return nil, fmt.Errorf("nil peer: %w", contracts.ErrUsage)
	}
	if err := id.ensureSecret(ctx); err != nil {
		return nil, err
	}
	return curve25519.X25519(id.secret.comm[:], peer.CommPublicKey[:])
}

// Wipe drops unlocked secret material from memory.
func (id *Identity) Wipe() {
	if id.secret == nil {
		return
	}
	zeroBytes(id.secret.master)
	zeroBytes(id.secret.signing)
	zeroBytes(id.secret.comm[:])
	id.secret = nil
}

func (id *Identity) ensureSecret(ctx context.Context) error {
	if id.secret != nil {
		return nil
	}
	if id.mgr == nil {
		return fmt.Errorf("no secret key for %q: %w", id.Name, contracts.ErrIdentityNotFound)
	}
	return id.mgr.unlock(ctx, id)
}

func publicOf(priv ed25519.PrivateKey) ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
}

func secretFromDerived(keys *DerivedKeys) *secretKeys {
	return &secretKeys{
		master:  append(ed25519.PrivateKey(nil), keys.MasterPrivateKey...),
		signing: append(ed25519.PrivateKey(nil), keys.SigningPrivateKey...),
		comm:    keys.CommSecret,
	}
}

func wipeDerived(keys *DerivedKeys) {
	if keys == nil {
		return
	}
	zeroBytes(keys.MasterPrivateKey)
	zeroBytes(keys.SigningPrivateKey)
	zeroBytes(keys.CommSecret[:])
}
