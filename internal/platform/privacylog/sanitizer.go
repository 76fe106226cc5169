// Package privacylog keeps key material out of logs and replaces identity
// names with per-process fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	redactedValue     = "[REDACTED]"
	fingerprintSuffix = "_fp"
	fingerprintSize   = 8
)

type treatment int

const (
	keep treatment = iota
	redact
	fingerprint
)

var (
	// fingerprintKey changes per process, so fingerprints correlate lines of
	// one run and nothing across runs.
	fingerprintKey = newFingerprintKey()

	nameKeys = map[string]struct{}{
		"identity":  {},
		"peer":      {},
		"recipient": {},
		"sender":    {},
		"signer":    {},
		"endorser":  {},
	}
	sensitiveKeyParts = []string{
		"passphrase", "password", "secret", "private", "token",
		"chain_key", "mnemonic", "plaintext",
	}
)

// SanitizingHandler rewrites every attribute before the wrapped handler sees
// it, including attributes bound with WithAttrs and nested groups.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	value := attr.Value.Resolve()
	switch classify(key) {
	case redact:
		return slog.String(key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(key), FingerprintID(value.String()))
	}
	switch value.Kind() {
	case slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(value.Group())...)}
	case slog.KindAny:
		if b, ok := value.Any().([]byte); ok {
			return slog.String(key, byteSummary(b))
		}
	}
	return slog.Attr{Key: key, Value: value}
}

// SanitizeArgs applies SanitizeAttr to alternating key/value arguments as
// passed to slog.Logger.Info and friends.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		attr := SanitizeAttr(slog.Any(key, args[i+1]))
		out = append(out, attr.Key, attr.Value.Any())
		i++
	}
	return out
}

// FingerprintID maps a name to a short keyed hash, stable within the process.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	h, err := blake2b.New(fingerprintSize, fingerprintKey)
	if err != nil {
		return redactedValue
	}
	_, _ = h.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

func classify(key string) treatment {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if _, ok := nameKeys[lower]; ok {
		return fingerprint
	}
	return keep
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), fingerprintSuffix) {
		return key
	}
	return key + fingerprintSuffix
}

func byteSummary(b []byte) string {
	return fmt.Sprintf("[%d bytes]", len(b))
}

func newFingerprintKey() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}
