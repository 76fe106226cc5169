package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/keyring"
	"pbp/go-pbp/internal/passphrase"
	"pbp/go-pbp/internal/platform/ratelimiter"
	"pbp/go-pbp/internal/securestore"
)

const (
	DefaultLifetime   = 365 * 24 * time.Hour
	maxUnlockAttempts = 3
)

type Options struct {
	KDF      securestore.Params
	Lifetime time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	// Limiter paces repeated unlock attempts per identity; nil disables pacing.
	Limiter *ratelimiter.MapLimiter
}

// Manager loads and persists identities of one key ring. Secret material is
// unlocked through the passphrase session it was built with.
type Manager struct {
	ring     *keyring.Ring
	session  *passphrase.Session
	kdf      securestore.Params
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
	limiter  *ratelimiter.MapLimiter
}

func NewManager(ring *keyring.Ring, session *passphrase.Session, opts Options) *Manager {
	if session == nil {
		session = passphrase.NewSession(nil)
	}
	if opts.KDF == (securestore.Params{}) {
		opts.KDF = securestore.DefaultParams()
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		ring:     ring,
		session:  session,
		kdf:      opts.KDF,
		lifetime: opts.Lifetime,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "identity"),
		limiter:  opts.Limiter,
	}
}

func (m *Manager) Ring() *keyring.Ring { return m.ring }

func (m *Manager) Now() time.Time { return m.now().UTC() }

func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Create generates a fresh identity and returns it with its recovery phrase.
// The phrase is not stored anywhere.
func (m *Manager) Create(ctx context.Context, name string) (*Identity, string, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, "", err
	}
	id, err := m.Restore(ctx, name, mnemonic)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// Restore recreates the identity a recovery phrase belongs to under name,
// with a new validity window.
func (m *Manager) Restore(ctx context.Context, name, mnemonic string) (*Identity, error) {
	if err := keyring.ValidateName(name); err != nil {
		return nil, err
	}
	if m.ring.HasSecret(name) || m.ring.HasPublic(name) {
		return nil, fmt.Errorf("%q: %w", name, contracts.ErrIdentityExists)
	}
	keys, err := KeysFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	defer wipeDerived(keys)

	now := m.Now().Truncate(time.Second)
	id := &Identity{
		Name:             name,
		MasterPublicKey:  publicOf(keys.MasterPrivateKey),
		SigningPublicKey: publicOf(keys.SigningPrivateKey),
		CommPublicKey:    keys.CommPublic,
		Created:          now,
		ValidUntil:       now.Add(m.lifetime),
		mgr:              m,
		owned:            true,
		secret:           secretFromDerived(keys),
	}
	signed, err := id.Sign(ctx, id.CertificationBlob(), true)
	if err != nil {
		return nil, err
	}
	copy(id.SelfSignature[:], signed[:SignatureSize])

	pass, err := m.session.Get(ctx, passphrase.Request{Purpose: name + " secret key", Confirm: true})
	if err != nil {
		return nil, err
	}
	sealed, err := sealSecret(keys, pass, m.kdf)
	zeroBytes(pass)
	if err != nil {
		return nil, err
	}
	if err := m.ring.WriteSecret(name, sealed); err != nil {
		return nil, err
	}
	// Without its public record the secret one would block every retry.
	if err := m.SavePublic(id); err != nil {
		if rmErr := m.ring.RemoveSecret(name); rmErr != nil {
			m.logger.Warn("orphan secret record left behind", "identity", name, "error", rmErr.Error())
		}
		return nil, err
	}
	m.logger.Info("identity created", "identity", name, "key_id", id.KeyID())
	return id, nil
}

// Load reads the public record of name and checks its self-certification.
// Secret material stays on disk until an operation needs it.
func (m *Manager) Load(name string) (*Identity, error) {
	data, err := m.ring.ReadPublic(name)
	if err != nil {
		return nil, err
	}
	id, err := decodePublic(data)
	if err != nil {
		return nil, fmt.Errorf("public record %q: %w", name, err)
	}
	if id.Name != name {
		return nil, fmt.Errorf("public record %q names %q: %w", name, id.Name, contracts.ErrVerificationFailure)
	}
	signed := append(id.SelfSignature[:], id.CertificationBlob()...)
	if _, ok := OpenAttached(id.MasterPublicKey, signed); !ok {
		return nil, fmt.Errorf("self-certification of %q: %w", name, contracts.ErrVerificationFailure)
	}
	id.mgr = m
	id.owned = m.ring.HasSecret(name)
	return id, nil
}

// LoadAll returns every readable public identity in name order. Records that
// fail to load are logged and skipped.
func (m *Manager) LoadAll() ([]*Identity, error) {
	names, err := m.ring.PublicNames()
	if err != nil {
		return nil, err
	}
	out := make([]*Identity, 0, len(names))
	for _, name := range names {
		id, err := m.Load(name)
		if err != nil {
			m.logger.Warn("skipping unreadable public record", "identity", name, "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Manager) SavePublic(id *Identity) error {
	data, err := encodePublic(id)
	if err != nil {
		return err
	}
	return m.ring.WritePublic(id.Name, data)
}

// Verify checks an attached signature against every known identity and
// returns the first signer with the recovered message. The master keys are
// tried instead of the signing keys when master is set.
func (m *Manager) Verify(data []byte, master bool) (string, []byte, error) {
	if len(data) < SignatureSize {
		return "", nil, fmt.Errorf("signature too short: %w", contracts.ErrVerificationFailure)
	}
	known, err := m.LoadAll()
	if err != nil {
		return "", nil, err
	}
	for _, id := range known {
		pub := id.SigningPublicKey
		if master {
			pub = id.MasterPublicKey
		}
		if msg, ok := OpenAttached(pub, data); ok {
			return id.Name, msg, nil
		}
	}
	return "", nil, contracts.ErrVerificationFailure
}

func (m *Manager) unlock(ctx context.Context, id *Identity) error {
	if id.secret != nil {
		return nil
	}
	if !id.owned {
		return fmt.Errorf("no secret key for %q: %w", id.Name, contracts.ErrIdentityNotFound)
	}
	data, err := m.ring.ReadSecret(id.Name)
	if err != nil {
		return err
	}
	for attempt := 1; attempt <= maxUnlockAttempts; attempt++ {
		if attempt > 1 {
			if err := m.limiter.Wait(ctx, id.Name); err != nil {
				return err
			}
		}
		pass, err := m.session.Get(ctx, passphrase.Request{Purpose: id.Name + " secret key"})
		if err != nil {
			return err
		}
		keys, err := openSecret(data, pass)
		zeroBytes(pass)
		if errors.Is(err, securestore.ErrAuthFailed) {
			m.session.Forget()
			m.logger.Warn("secret key unlock rejected", "identity", id.Name, "attempt", attempt)
			continue
		}
		if err != nil {
			return err
		}
		if !matchesPublic(id, keys) {
			wipeDerived(keys)
			return fmt.Errorf("secret record of %q does not match its public record: %w", id.Name, contracts.ErrVerificationFailure)
		}
		id.secret = secretFromDerived(keys)
		wipeDerived(keys)
		m.limiter.Forget(id.Name)
		return nil
	}
	return fmt.Errorf("unlock %q: wrong passphrase: %w", id.Name, contracts.ErrAuthenticationFailure)
}

func matchesPublic(id *Identity, keys *DerivedKeys) bool {
	return bytes.Equal(publicOf(keys.MasterPrivateKey), id.MasterPublicKey) &&
		bytes.Equal(publicOf(keys.SigningPrivateKey), id.SigningPublicKey) &&
		keys.CommPublic == id.CommPublicKey
}

func encodePublic(id *Identity) ([]byte, error) {
	rec := publicRecord{
		Version:          recordVersion,
		Name:             id.Name,
		MasterPublicKey:  id.MasterPublicKey,
		SigningPublicKey: id.SigningPublicKey,
		CommPublicKey:    id.CommPublicKey[:],
		Created:          id.Created.UTC(),
		ValidUntil:       id.ValidUntil.UTC(),
		SelfSignature:    id.SelfSignature[:],
	}
	return json.MarshalIndent(rec, "", "  ")
}

func decodePublic(data []byte) (*Identity, error) {
	var rec publicRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, contracts.ErrCorruptPacket
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d: %w", rec.Version, contracts.ErrCorruptPacket)
	}
	if len(rec.MasterPublicKey) != PublicKeySize ||
		len(rec.SigningPublicKey) != PublicKeySize ||
		len(rec.CommPublicKey) != PublicKeySize ||
		len(rec.SelfSignature) != SignatureSize {
		return nil, fmt.Errorf("invalid key size: %w", contracts.ErrCorruptPacket)
	}
	id := &Identity{
		Name:             rec.Name,
		MasterPublicKey:  append([]byte(nil), rec.MasterPublicKey...),
		SigningPublicKey: append([]byte(nil), rec.SigningPublicKey...),
		Created:          rec.Created,
		ValidUntil:       rec.ValidUntil,
	}
	copy(id.CommPublicKey[:], rec.CommPublicKey)
	copy(id.SelfSignature[:], rec.SelfSignature)
	return id, nil
}
