// Package passphrase supplies passphrases to the key derivation layer. The
// core never prompts by itself; it asks a Provider, and a Session caches the
// answer for the lifetime of one command.
package passphrase

import (
	"bytes"
	"context"
	"fmt"

	"pbp/go-pbp/internal/contracts"
)

// Request describes why a passphrase is needed.
type Request struct {
	// Purpose is shown to the user, e.g. "alice secret key".
	Purpose string
	// Confirm asks interactive providers to read the passphrase twice.
	Confirm bool
}

// Provider returns a passphrase or contracts.ErrPassphraseRequired when none
// is available.
type Provider interface {
	Passphrase(ctx context.Context, req Request) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) ([]byte, error)

func (f ProviderFunc) Passphrase(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// Static always answers with the same passphrase. Used for PBP_PASSPHRASE
// and tests.
type Static []byte

func (s Static) Passphrase(_ context.Context, _ Request) ([]byte, error) {
	if len(bytes.TrimSpace(s)) == 0 {
		return nil, contracts.ErrPassphraseRequired
	}
	return append([]byte(nil), s...), nil
}

// None never has a passphrase.
type None struct{}

func (None) Passphrase(_ context.Context, req Request) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", req.Purpose, contracts.ErrPassphraseRequired)
}
