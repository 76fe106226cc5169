// Package armor converts signatures, key exports and packets to text that
// survives mail and chat.
package armor

import (
	"bytes"
	"encoding/ascii85"
	"fmt"
	"io"
	"strings"

	"pbp/go-pbp/internal/contracts"

	"github.com/mr-tron/base58"
)

const (
	SignaturePrefix = "nacl-"
	signatureSize   = 64
	packetLineWidth = 64
)

// ArmorSignature turns an attached signature into
// "nacl-" + base58(signature) + "\n" + message.
func ArmorSignature(signed []byte) ([]byte, error) {
	if len(signed) < signatureSize {
		return nil, fmt.Errorf("signature too short: %w", contracts.ErrCorruptPacket)
	}
	enc := base58.Encode(signed[:signatureSize])
	out := make([]byte, 0, len(SignaturePrefix)+len(enc)+1+len(signed)-signatureSize)
	out = append(out, SignaturePrefix...)
	out = append(out, enc...)
	out = append(out, '\n')
	return append(out, signed[signatureSize:]...), nil
}

// IsArmoredSignature reports whether data starts with the armor prefix.
func IsArmoredSignature(data []byte) bool {
	return bytes.HasPrefix(data, []byte(SignaturePrefix))
}

// DearmorSignature reverses ArmorSignature. The message after the first
// newline is returned byte for byte.
func DearmorSignature(data []byte) ([]byte, error) {
	if !IsArmoredSignature(data) {
		return nil, fmt.Errorf("missing %q prefix: %w", SignaturePrefix, contracts.ErrCorruptPacket)
	}
	rest := data[len(SignaturePrefix):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("armored signature without message separator: %w", contracts.ErrCorruptPacket)
	}
	sig, err := base58.Decode(strings.TrimRight(string(rest[:nl]), "\r"))
	if err != nil || len(sig) != signatureSize {
		return nil, fmt.Errorf("armored signature: %w", contracts.ErrCorruptPacket)
	}
	return append(sig, rest[nl+1:]...), nil
}

// EncodeLine renders binary data, such as a key export, as one base58 line.
func EncodeLine(data []byte) string {
	return base58.Encode(data)
}

// DecodeLine accepts EncodeLine output with surrounding whitespace.
func DecodeLine(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty armored line: %w", contracts.ErrCorruptPacket)
	}
	data, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("armored line: %w", contracts.ErrCorruptPacket)
	}
	return data, nil
}

// EncodePacket renders a whole packet as base85 text wrapped at 64 columns.
// Unlike EncodeLine its cost is linear in the packet size.
func EncodePacket(data []byte) string {
	enc := make([]byte, ascii85.MaxEncodedLen(len(data)))
	enc = enc[:ascii85.Encode(enc, data)]

	var b strings.Builder
	b.Grow(len(enc) + len(enc)/packetLineWidth + 1)
	for len(enc) > packetLineWidth {
		b.Write(enc[:packetLineWidth])
		b.WriteByte('\n')
		enc = enc[packetLineWidth:]
	}
	b.Write(enc)
	b.WriteByte('\n')
	return b.String()
}

// DecodePacket reverses EncodePacket. Line breaks and other whitespace are
// ignored.
func DecodePacket(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty armored packet: %w", contracts.ErrCorruptPacket)
	}
	data, err := io.ReadAll(ascii85.NewDecoder(strings.NewReader(text)))
	if err != nil {
		return nil, fmt.Errorf("armored packet: %w", contracts.ErrCorruptPacket)
	}
	return data, nil
}
