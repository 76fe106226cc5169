// Package certify implements self-certified key export and import plus
// third-party endorsements accumulated per peer (web of trust).
//
// A signature made with nacl/sign is R(32) | S(32) | message. The detached
// form stored in endorsement sidecars keeps the 64 signature bytes only;
// Attach puts the message back before verification.
package certify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/identity"
	"pbp/go-pbp/internal/keyring"
)

// Detach strips the signed message from an attached signature.
func Detach(signed []byte) ([identity.SignatureSize]byte, error) {
	var sig [identity.SignatureSize]byte
	if len(signed) < identity.SignatureSize {
		return sig, fmt.Errorf("signature too short: %w", contracts.ErrCorruptPacket)
	}
	copy(sig[:], signed[:identity.SignatureSize])
	return sig, nil
}

// Attach rebuilds the attached form of a detached signature over msg.
func Attach(sig [identity.SignatureSize]byte, msg []byte) []byte {
	out := make([]byte, 0, identity.SignatureSize+len(msg))
	out = append(out, sig[:]...)
	return append(out, msg...)
}

// Export returns the identity's certification blob signed by its master key.
func Export(ctx context.Context, id *identity.Identity) ([]byte, error) {
	return id.Sign(ctx, id.CertificationBlob(), true)
}

// Import verifies a self-certified export against the master key it carries
// and records the peer. Trust is on first use: a later import under the same
// name must carry the same master key.
func Import(m *identity.Manager, packet []byte) (*identity.Identity, error) {
	if len(packet) <= identity.SignatureSize+identity.CertificationPrefixSize {
		return nil, fmt.Errorf("export packet too short: %w", contracts.ErrCorruptPacket)
	}
	peer, err := identity.ParseCertificationBlob(packet[identity.SignatureSize:])
	if err != nil {
		return nil, err
	}
	if err := keyring.ValidateName(peer.Name); err != nil {
		return nil, err
	}
	if _, ok := identity.OpenAttached(peer.MasterPublicKey, packet); !ok {
		return nil, fmt.Errorf("self-certification of %q: %w", peer.Name, contracts.ErrVerificationFailure)
	}

	existing, err := m.Load(peer.Name)
	switch {
	case err == nil:
		if !bytes.Equal(existing.MasterPublicKey, peer.MasterPublicKey) {
			return nil, fmt.Errorf("%q: %w", peer.Name, contracts.ErrKeyConflict)
		}
		if bytes.Equal(existing.CertificationBlob(), peer.CertificationBlob()) {
			return existing, nil
		}
		if existing.Owned() {
			return nil, fmt.Errorf("%q is an owned identity: %w", peer.Name, contracts.ErrKeyConflict)
		}
	case !errors.Is(err, contracts.ErrIdentityNotFound):
		return nil, err
	}

	now := m.Now().Truncate(time.Second)
	peer.Created = now
	peer.ValidUntil = now.Add(m.Lifetime())
	copy(peer.SelfSignature[:], packet[:identity.SignatureSize])
	if err := m.SavePublic(peer); err != nil {
		return nil, err
	}
	return m.Load(peer.Name)
}

// CounterSign endorses peerName's keys with signer's master key and appends
// the detached signature to the peer's sidecar.
func CounterSign(ctx context.Context, m *identity.Manager, peerName string, signer *identity.Identity) error {
	peer, err := m.Load(peerName)
	if err != nil {
		return err
	}
	signed, err := signer.Sign(ctx, peer.CertificationBlob(), true)
	if err != nil {
		return err
	}
	sig, err := Detach(signed)
	if err != nil {
		return err
	}
	return m.Ring().AppendSignature(peerName, sig)
}

// Check returns the names of known identities whose endorsement of peerName
// validates, in sidecar order without duplicates.
func Check(m *identity.Manager, peerName string) ([]string, error) {
	peer, err := m.Load(peerName)
	if err != nil {
		return nil, err
	}
	records, err := m.Ring().Signatures(peerName)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []string{}, nil
	}
	known, err := m.LoadAll()
	if err != nil {
		return nil, err
	}
	blob := peer.CertificationBlob()
	seen := make(map[string]struct{}, len(records))
	endorsers := make([]string, 0, len(records))
	for _, rec := range records {
		signed := Attach(rec, blob)
		for _, k := range known {
			if _, ok := identity.OpenAttached(k.MasterPublicKey, signed); !ok {
				continue
			}
			if _, dup := seen[k.Name]; !dup {
				seen[k.Name] = struct{}{}
				endorsers = append(endorsers, k.Name)
			}
			break
		}
	}
	return endorsers, nil
}
