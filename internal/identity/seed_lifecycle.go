package identity

import (
	"errors"
	"fmt"
	"strings"

	"pbp/go-pbp/internal/contracts"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic  = fmt.Errorf("invalid mnemonic: %w", contracts.ErrUsage)
	ErrMnemonicRequired = fmt.Errorf("mnemonic is required: %w", contracts.ErrUsage)
	ErrIdentityInit     = errors.New("identity initialization failed")
)

// NewMnemonic draws 256 bits of entropy and returns its recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	defer zeroBytes(entropy)
	return bip39.NewMnemonic(entropy)
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// KeysFromMnemonic derives identity keys from a recovery phrase. The same
// phrase always yields the same keys.
func KeysFromMnemonic(mnemonic string) (*DerivedKeys, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	defer zeroBytes(seedBytes)
	return DeriveKeys(seedBytes)
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
