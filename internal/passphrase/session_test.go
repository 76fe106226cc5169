package passphrase

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/securestore"
)

func TestSessionCachesFirstAnswer(t *testing.T) {
	calls := 0
	provider := ProviderFunc(func(context.Context, Request) ([]byte, error) {
		calls++
		return []byte("p@ss"), nil
	})
	s := NewSession(provider)
	defer s.Close()

	for i := 0; i < 3; i++ {
		got, err := s.Get(context.Background(), Request{Purpose: "test"})
		if err != nil {
			t.Fatalf("get %d failed: %v", i, err)
		}
		if string(got) != "p@ss" {
			t.Fatalf("unexpected passphrase %q", got)
		}
	}
	if calls != 1 {
		t.Fatalf("provider must be asked once, got %d", calls)
	}
}

func TestSessionForgetAsksAgain(t *testing.T) {
	answers := [][]byte{[]byte("wrong"), []byte("right")}
	provider := ProviderFunc(func(context.Context, Request) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return next, nil
	})
	s := NewSession(provider)
	defer s.Close()

	first, err := s.Get(context.Background(), Request{})
	if err != nil || string(first) != "wrong" {
		t.Fatalf("unexpected first answer %q err=%v", first, err)
	}
	s.Forget()
	if s.Cached() {
		t.Fatal("forget must drop the cache")
	}
	second, err := s.Get(context.Background(), Request{})
	if err != nil || string(second) != "right" {
		t.Fatalf("unexpected second answer %q err=%v", second, err)
	}
}

func TestSessionCloseClearsCache(t *testing.T) {
	s := NewSession(Static("p@ss"))
	if _, err := s.Get(context.Background(), Request{}); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !s.Cached() {
		t.Fatal("expected cached passphrase")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if s.Cached() {
		t.Fatal("close must destroy the cached passphrase")
	}
}

func TestSessionWithoutProviderRequiresPassphrase(t *testing.T) {
	s := NewSession(nil)
	defer s.Close()
	if _, err := s.Get(context.Background(), Request{Purpose: "alice"}); !errors.Is(err, contracts.ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := NewSession(Static("   ")).Get(context.Background(), Request{}); !errors.Is(err, contracts.ErrPassphraseRequired) {
		t.Fatalf("blank static passphrase must be rejected, got %v", err)
	}
}

func TestSessionDeriveKeyMatchesFixedStretch(t *testing.T) {
	p := securestore.Params{Time: 1, MemoryKB: 64, Threads: 1}
	s := NewSession(Static("p@ss"))
	defer s.Close()
	key, err := s.DeriveKey(context.Background(), Request{}, p, 32)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(key, securestore.StretchFixed([]byte("p@ss"), p, 32)) {
		t.Fatal("session derivation must match fixed stretch")
	}
}

func TestTerminalWithoutTTYRequiresPassphrase(t *testing.T) {
	term := NewTerminal()
	term.TTYPath = filepath.Join(t.TempDir(), "missing-tty")
	if _, err := term.Passphrase(context.Background(), Request{Purpose: "alice"}); !errors.Is(err, contracts.ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}
