// Package keyring owns the on-disk layout of a base directory: public
// records, their endorsement sidecars, encrypted secret records and
// per-peer chaining state.
package keyring

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/securestore"
)

const (
	publicDir   = "public"
	secretDir   = "secret"
	chainingDir = "chaining"

	publicExt    = ".pub"
	signatureExt = ".pub.sig"
	secretExt    = ".sec"
	stateExt     = ".state"
	lockExt      = ".lock"

	// SignatureRecordSize is the size of one detached endorsement.
	SignatureRecordSize = 64

	maxNameLen = 255
)

type Ring struct {
	basedir string
}

// Open prepares basedir with private permissions.
func Open(basedir string) (*Ring, error) {
	basedir = strings.TrimSpace(basedir)
	if basedir == "" {
		return nil, fmt.Errorf("empty base directory: %w", contracts.ErrUsage)
	}
	for _, dir := range []string{basedir, filepath.Join(basedir, publicDir), filepath.Join(basedir, secretDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &Ring{basedir: basedir}, nil
}

// ValidateName rejects names that cannot be used as a single path element.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty key name: %w", contracts.ErrUsage)
	case len(name) > maxNameLen:
		return fmt.Errorf("key name too long: %w", contracts.ErrUsage)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("key name %q starts with a dot: %w", name, contracts.ErrUsage)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("key name %q contains a path separator: %w", name, contracts.ErrUsage)
	}
	return nil
}

func (r *Ring) PublicPath(name string) string {
	return filepath.Join(r.basedir, publicDir, name+publicExt)
}

func (r *Ring) SignaturesPath(name string) string {
	return filepath.Join(r.basedir, publicDir, name+signatureExt)
}

func (r *Ring) SecretPath(name string) string {
	return filepath.Join(r.basedir, secretDir, name+secretExt)
}

func (r *Ring) ChainStatePath(self, peer string) string {
	return filepath.Join(r.basedir, chainingDir, self, peer+stateExt)
}

func (r *Ring) ChainLockPath(self, peer string) string {
	return filepath.Join(r.basedir, chainingDir, self, peer+lockExt)
}

func (r *Ring) HasPublic(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(r.PublicPath(name))
	return err == nil
}

func (r *Ring) HasSecret(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(r.SecretPath(name))
	return err == nil
}

func (r *Ring) ReadPublic(name string) ([]byte, error) {
	return r.read(name, r.PublicPath)
}

func (r *Ring) WritePublic(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return securestore.WriteFileAtomic(r.PublicPath(name), data, 0o644)
}

func (r *Ring) ReadSecret(name string) ([]byte, error) {
	return r.read(name, r.SecretPath)
}

func (r *Ring) WriteSecret(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return securestore.WriteFileAtomic(r.SecretPath(name), data, 0o600)
}

// RemoveSecret deletes the secret record of name. A missing record is not
// an error.
func (r *Ring) RemoveSecret(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(r.SecretPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *Ring) read(name string, pathFor func(string) string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(pathFor(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", name, contracts.ErrIdentityNotFound)
	}
	return data, err
}

// AppendSignature adds one endorsement record to name's sidecar.
func (r *Ring) AppendSignature(name string, record [SignatureRecordSize]byte) error {
	if !r.HasPublic(name) {
		return fmt.Errorf("%q: %w", name, contracts.ErrIdentityNotFound)
	}
	f, err := os.OpenFile(r.SignaturesPath(name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(record[:]); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Signatures returns the endorsement records of name in append order. A
// missing sidecar means no endorsements.
func (r *Ring) Signatures(name string) ([][SignatureRecordSize]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.SignaturesPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data)%SignatureRecordSize != 0 {
		return nil, fmt.Errorf("signature sidecar of %q: %w", name, contracts.ErrCorruptPacket)
	}
	out := make([][SignatureRecordSize]byte, len(data)/SignatureRecordSize)
	for i := range out {
		copy(out[i][:], data[i*SignatureRecordSize:])
	}
	return out, nil
}

func (r *Ring) PublicNames() ([]string, error) {
	return r.names(publicDir, publicExt)
}

func (r *Ring) SecretNames() ([]string, error) {
	return r.names(secretDir, secretExt)
}

func (r *Ring) names(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.basedir, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fileName := e.Name()
		if !strings.HasSuffix(fileName, ext) || strings.HasSuffix(fileName, signatureExt) {
			continue
		}
		name := strings.TrimSuffix(fileName, ext)
		if ValidateName(name) != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
