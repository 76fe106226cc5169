package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/securestore"
)

func sealSecret(keys *DerivedKeys, passphrase []byte, p securestore.Params) ([]byte, error) {
	rec := secretRecord{
		Version:     recordVersion,
		MasterSeed:  keys.MasterPrivateKey.Seed(),
		SigningSeed: keys.SigningPrivateKey.Seed(),
		CommSecret:  append([]byte(nil), keys.CommSecret[:]...),
	}
	plaintext, err := json.Marshal(rec)
	zeroBytes(rec.MasterSeed)
	zeroBytes(rec.SigningSeed)
	zeroBytes(rec.CommSecret)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)
	return securestore.Encrypt(passphrase, plaintext, p)
}

// openSecret returns securestore.ErrAuthFailed for a wrong passphrase.
func openSecret(data, passphrase []byte) (*DerivedKeys, error) {
	plaintext, err := securestore.Decrypt(passphrase, data)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)
	var rec secretRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("secret record: %w", contracts.ErrCorruptPacket)
	}
	defer func() {
		zeroBytes(rec.MasterSeed)
		zeroBytes(rec.SigningSeed)
		zeroBytes(rec.CommSecret)
	}()
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported secret record version: %d", rec.Version)
	}
	keys, err := keysFromSeeds(rec.MasterSeed, rec.SigningSeed, rec.CommSecret)
	if err != nil {
		return nil, errors.Join(ErrIdentityInit, err)
	}
	return keys, nil
}
