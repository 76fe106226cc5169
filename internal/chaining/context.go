// Package chaining implements the per-peer forward-secret ratchet. Each
// direction has its own chain key; every message consumes one step and the
// old key is overwritten. State lives in one CBOR file per (self, peer) and
// every load, mutate and save cycle runs under an exclusive file lock.
//
// Chain packets carry the message index in the first 8 bytes of the nonce,
// so a receiver can derive keys for messages that arrive late or out of
// order, up to MaxSkip steps ahead.
package chaining

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/keyring"
	"pbp/go-pbp/internal/securestore"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSizeX

	DefaultLockTimeout = 10 * time.Second
	DefaultMaxSkip     = 512
	lockRetryDelay     = 50 * time.Millisecond

	// MaxSkipLimit bounds both the skip window and the stored skipped keys.
	MaxSkipLimit   = 2048
	maxSkippedKeys = MaxSkipLimit
)

type Stage int

const (
	StageUninitialized Stage = iota
	StageBootstrapped
	StageActive
)

func (s Stage) String() string {
	switch s {
	case StageBootstrapped:
		return "bootstrapped"
	case StageActive:
		return "active"
	default:
		return "uninitialized"
	}
}

// Exchange returns the static key agreement between self and peer. It is
// called only when no state exists for the pair.
type Exchange func(ctx context.Context) ([]byte, error)

type Options struct {
	LockTimeout time.Duration
	MaxSkip     uint64
	Now         func() time.Time
	Logger      *slog.Logger
}

type Store struct {
	ring        *keyring.Ring
	lockTimeout time.Duration
	maxSkip     uint64
	now         func() time.Time
	logger      *slog.Logger
}

func NewStore(ring *keyring.Ring, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.MaxSkip == 0 {
		opts.MaxSkip = DefaultMaxSkip
	}
	if opts.MaxSkip > MaxSkipLimit {
		opts.MaxSkip = MaxSkipLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		ring:        ring,
		lockTimeout: opts.LockTimeout,
		maxSkip:     opts.MaxSkip,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "chaining"),
	}
}

// Context is an open ratchet between self and peer. It holds the state lock
// until Close.
type Context struct {
	store     *Store
	self      string
	peer      string
	lock      *flock.Flock
	state     *State
	stage     Stage
	onDisk    uint64
	persisted bool
	dirty     bool
}

// Open locks the pair's state and loads it, bootstrapping from exchange when
// no state exists yet.
func (s *Store) Open(ctx context.Context, self, peer string, exchange Exchange) (*Context, error) {
	if err := keyring.ValidateName(self); err != nil {
		return nil, err
	}
	if err := keyring.ValidateName(peer); err != nil {
		return nil, err
	}
	statePath := s.ring.ChainStatePath(self, peer)
	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return nil, err
	}

	lock := flock.New(s.ring.ChainLockPath(self, peer))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	cancel()
	if err != nil || !locked {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s/%s: %w", self, peer, contracts.ErrStateLocked)
	}

	c := &Context{store: s, self: self, peer: peer, lock: lock, stage: StageUninitialized}
	if err := c.load(ctx, exchange); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return c, nil
}

func (c *Context) load(ctx context.Context, exchange Exchange) error {
	state, err := c.store.readState(c.self, c.peer)
	if err != nil {
		return err
	}
	if state != nil {
		if state.Self != c.self || state.Peer != c.peer {
			state.wipe()
			return fmt.Errorf("chain state belongs to %s/%s: %w", state.Self, state.Peer, contracts.ErrCorruptPacket)
		}
		c.state = state
		c.onDisk = state.Version
		c.persisted = true
		c.stage = StageActive
		return nil
	}

	if exchange == nil {
		return errors.New("no chain state and no key exchange")
	}
	shared, err := exchange(ctx)
	if err != nil {
		return err
	}
	defer zeroBytes(shared)
	if len(shared) != 32 {
		return errors.New("key exchange returned an invalid secret")
	}
	c.stage = StageBootstrapped
	root := deriveRootKey(shared, c.self, c.peer)
	send, recv := deriveInitialChainKeys(root, c.self, c.peer)
	zeroBytes(root)
	c.state = newState(c.self, c.peer, send, recv, c.store.now())
	c.dirty = true
	c.stage = StageActive
	c.store.logger.Info("chain bootstrapped", "identity", c.self, "peer", c.peer)
	return nil
}

func (c *Context) Stage() Stage { return c.stage }

func (c *Context) SendIndex() uint64 { return c.state.SendIndex }

func (c *Context) RecvIndex() uint64 { return c.state.RecvIndex }

// Send encrypts msg with the next send key. The chain advances before
// encryption and stays advanced even if encryption fails.
func (c *Context) Send(msg []byte) ([]byte, [NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if c.state == nil {
		return nil, nonce, errors.New("chain context is closed")
	}
	idx := c.state.SendIndex
	msgKey, next := deriveMessageKey(c.state.SendChainKey, idx)
	defer zeroBytes(msgKey)
	zeroBytes(c.state.SendChainKey)
	c.state.SendChainKey = next
	c.state.SendIndex++
	c.dirty = true

	binary.BigEndian.PutUint64(nonce[:8], idx)
	if _, err := io.ReadFull(rand.Reader, nonce[8:]); err != nil {
		return nil, nonce, err
	}
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, nonce, err
	}
	return aead.Seal(nil, nonce[:], msg, messageAAD(c.self, c.peer)), nonce, nil
}

// Receive decrypts a message from peer. A failed or replayed message leaves
// the receive chain where it was and returns contracts.ErrChainDesync.
func (c *Context) Receive(ciphertext []byte, nonce [NonceSize]byte) ([]byte, error) {
	if c.state == nil {
		return nil, errors.New("chain context is closed")
	}
	idx := binary.BigEndian.Uint64(nonce[:8])
	aad := messageAAD(c.peer, c.self)

	if key, ok := c.state.SkippedKeys[idx]; ok {
		plaintext, err := open(key, nonce, ciphertext, aad)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, contracts.ErrChainDesync)
		}
		zeroBytes(key)
		delete(c.state.SkippedKeys, idx)
		c.dirty = true
		return plaintext, nil
	}
	if idx < c.state.RecvIndex {
		return nil, fmt.Errorf("message %d already consumed: %w", idx, contracts.ErrChainDesync)
	}
	if idx-c.state.RecvIndex > c.store.maxSkip {
		return nil, fmt.Errorf("message %d is %d steps ahead: %w", idx, idx-c.state.RecvIndex, contracts.ErrChainDesync)
	}

	chainKey := append([]byte(nil), c.state.RecvChainKey...)
	skipped := make(map[uint64][]byte, idx-c.state.RecvIndex)
	for i := c.state.RecvIndex; i < idx; i++ {
		msgKey, next := deriveMessageKey(chainKey, i)
		skipped[i] = msgKey
		zeroBytes(chainKey)
		chainKey = next
	}
	msgKey, next := deriveMessageKey(chainKey, idx)
	zeroBytes(chainKey)
	defer zeroBytes(msgKey)

	plaintext, err := open(msgKey, nonce, ciphertext, aad)
	if err != nil {
		zeroBytes(next)
		for _, key := range skipped {
			zeroBytes(key)
		}
		return nil, fmt.Errorf("message %d: %w", idx, contracts.ErrChainDesync)
	}

	for i, key := range skipped {
		c.state.SkippedKeys[i] = key
	}
	zeroBytes(c.state.RecvChainKey)
	c.state.RecvChainKey = next
	c.state.RecvIndex = idx + 1
	pruneSkippedKeys(c.state.SkippedKeys, c.state.RecvIndex, c.store.maxSkip, maxSkippedKeys)
	c.dirty = true
	return plaintext, nil
}

// Save writes the state atomically. It fails if the file changed since it
// was loaded.
func (c *Context) Save() error {
	if c.state == nil {
		return errors.New("chain context is closed")
	}
	if !c.dirty {
		return nil
	}
	current, err := c.store.readState(c.self, c.peer)
	if err != nil {
		return err
	}
	switch {
	case current == nil && c.persisted:
		return fmt.Errorf("chain state of %s/%s disappeared: %w", c.self, c.peer, contracts.ErrChainDesync)
	case current != nil && (!c.persisted || current.Version != c.onDisk):
		current.wipe()
		return fmt.Errorf("chain state of %s/%s changed on disk: %w", c.self, c.peer, contracts.ErrStateLocked)
	case current != nil:
		current.wipe()
	}

	c.state.Version++
	c.state.UpdatedAt = c.store.now().Unix()
	data, err := encodeState(c.state)
	if err != nil {
		c.state.Version--
		return err
	}
	defer zeroBytes(data)
	if err := securestore.WriteFileAtomic(c.store.ring.ChainStatePath(c.self, c.peer), data, 0o600); err != nil {
		c.state.Version--
		return err
	}
	c.onDisk = c.state.Version
	c.persisted = true
	c.dirty = false
	c.store.logger.Debug("chain state saved", "identity", c.self, "peer", c.peer, "version", c.state.Version)
	return nil
}

// Close wipes keys from memory and releases the lock. Unsaved changes are
// dropped.
func (c *Context) Close() error {
	if c.state == nil {
		return nil
	}
	if c.dirty {
		c.store.logger.Warn("closing chain with unsaved state", "identity", c.self, "peer", c.peer)
	}
	c.state.wipe()
	c.state = nil
	c.stage = StageUninitialized
	return c.lock.Unlock()
}

func (s *Store) readState(self, peer string) (*State, error) {
	data, err := os.ReadFile(s.ring.ChainStatePath(self, peer))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer zeroBytes(data)
	return decodeState(data)
}

func open(key []byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
