package identity

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/keyring"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := []byte("test-seed-material")
	k1, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 1 failed: %v", err)
	}
	k2, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 2 failed: %v", err)
	}
	if !bytes.Equal(k1.MasterPrivateKey, k2.MasterPrivateKey) || k1.CommPublic != k2.CommPublic {
		t.Fatal("derived keys should be deterministic")
	}
	if bytes.Equal(k1.MasterPrivateKey, k1.SigningPrivateKey) {
		t.Fatal("master and signing keys must differ")
	}
	if _, err := DeriveKeys(nil); err == nil {
		t.Fatal("expected error for empty seed")
	}
}

func TestSeedLifecycleCreateRestore(t *testing.T) {
	m := newTestManager(t, "pass-1")
	created, mnemonic, err := m.Create(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create identity failed: %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatal("created mnemonic must be valid")
	}
	if words := len(strings.Fields(mnemonic)); words != 24 {
		t.Fatalf("expected 24 words, got %d", words)
	}

	other := newTestManager(t, "pass-2")
	restored, err := other.Restore(context.Background(), "alice", "  "+strings.ToUpper(mnemonic)+"\n")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.KeyID() != created.KeyID() || restored.CommPublicKey != created.CommPublicKey {
		t.Fatal("restoring the same mnemonic should reproduce the same keys")
	}
	if _, err := other.Load("alice"); err != nil {
		t.Fatalf("restored identity must load: %v", err)
	}
}

func TestSeedLifecycleInvalidInputs(t *testing.T) {
	m := newTestManager(t, "p")
	ctx := context.Background()
	if _, err := m.Restore(ctx, "alice", "not a mnemonic"); !errors.Is(err, contracts.ErrUsage) {
		t.Fatalf("expected usage error for invalid mnemonic, got %v", err)
	}
	if _, err := m.Restore(ctx, "alice", "   "); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected mnemonic required, got %v", err)
	}
	if _, _, err := m.Create(ctx, "../alice"); !errors.Is(err, contracts.ErrUsage) {
		t.Fatalf("expected usage error for bad name, got %v", err)
	}

	ring, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open keyring failed: %v", err)
	}
	empty := newManagerOnRing(t, ring, "")
	if _, _, err := empty.Create(ctx, "alice"); !errors.Is(err, contracts.ErrPassphraseRequired) {
		t.Fatalf("expected passphrase required, got %v", err)
	}
	if ring.HasPublic("alice") || ring.HasSecret("alice") {
		t.Fatal("failed create must not leave records behind")
	}
}

func TestSecretRecordRoundTrip(t *testing.T) {
	keys, err := DeriveKeys([]byte("seed"))
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	sealed, err := sealSecret(keys, []byte("password"), testKDF)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	got, err := openSecret(sealed, []byte("password"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !matchesPublic(&Identity{
		MasterPublicKey:  publicOf(keys.MasterPrivateKey),
		SigningPublicKey: publicOf(keys.SigningPrivateKey),
		CommPublicKey:    keys.CommPublic,
	}, got) {
		t.Fatal("opened secret does not match sealed keys")
	}
	if _, err := openSecret(sealed, []byte("wrong")); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestRestoreRemovesSecretWhenPublicWriteFails(t *testing.T) {
	ring, err := keyring.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open keyring failed: %v", err)
	}
	m := newManagerOnRing(t, ring, "p@ss")
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("mnemonic failed: %v", err)
	}

	publicDir := filepath.Dir(ring.PublicPath("alice"))
	if err := os.RemoveAll(publicDir); err != nil {
		t.Fatalf("remove public dir: %v", err)
	}
	if err := os.WriteFile(publicDir, []byte("in the way"), 0o600); err != nil {
		t.Fatalf("block public dir: %v", err)
	}
	if _, err := m.Restore(context.Background(), "alice", mnemonic); err == nil {
		t.Fatal("expected restore to fail without a public directory")
	}
	if ring.HasSecret("alice") {
		t.Fatal("failed restore must not leave a secret record behind")
	}

	if err := os.Remove(publicDir); err != nil {
		t.Fatalf("unblock public dir: %v", err)
	}
	if _, err := m.Restore(context.Background(), "alice", mnemonic); err != nil {
		t.Fatalf("retry after failure must succeed, got %v", err)
	}
	if !ring.HasSecret("alice") || !ring.HasPublic("alice") {
		t.Fatal("retry must write both records")
	}
}
