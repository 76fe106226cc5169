package passphrase

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/securestore"

	"github.com/awnumar/memguard"
)

// Session caches one passphrase in locked memory for the duration of a
// command. It must be closed when the command finishes.
type Session struct {
	mu       sync.Mutex
	provider Provider
	cached   *memguard.LockedBuffer
}

func NewSession(provider Provider) *Session {
	if provider == nil {
		provider = None{}
	}
	return &Session{provider: provider}
}

// Get returns the cached passphrase, asking the provider on first use. The
// caller owns the returned slice and should wipe it.
func (s *Session) Get(ctx context.Context, req Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cached.IsAlive() {
		return append([]byte(nil), s.cached.Bytes()...), nil
	}
	pass, err := s.provider.Passphrase(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(pass)) == 0 {
		return nil, fmt.Errorf("%s: %w", req.Purpose, contracts.ErrPassphraseRequired)
	}
	s.cached = memguard.NewBufferFromBytes(append([]byte(nil), pass...))
	return pass, nil
}

// Forget drops the cached passphrase so the next Get asks again.
func (s *Session) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked()
}

// Cached reports whether a passphrase is held.
func (s *Session) Cached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached != nil && s.cached.IsAlive()
}

func (s *Session) Close() error {
	s.Forget()
	return nil
}

func (s *Session) forgetLocked() {
	if s.cached != nil {
		s.cached.Destroy()
		s.cached = nil
	}
}

// DeriveKey stretches the session passphrase under the fixed salt.
func (s *Session) DeriveKey(ctx context.Context, req Request, p securestore.Params, length int) ([]byte, error) {
	pass, err := s.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	defer wipe(pass)
	return securestore.StretchFixed(pass, p, length), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
