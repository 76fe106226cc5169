// Package envelope frames encrypted packets. It makes no cryptographic
// decisions.
//
// Layout, integers big-endian:
//
//	byte      type (5 hybrid, 23 passphrase-symmetric)
//	type 5:   nonce[24] | uint32 count | count x (nonce[24] | byte len | ct[len]) | payload
//	type 23:  nonce[24] | ciphertext
//	chaining: nonce[24] | ciphertext   (separate file format, no type byte)
//
// Every layout ends with exactly one field that runs to end of input; no
// field may follow it.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pbp/go-pbp/internal/contracts"
)

const (
	TypeHybrid    byte = 5
	TypeSymmetric byte = 23

	NonceSize = 24

	// MaxSlotCiphertext is the largest key slot a one-byte length prefix can
	// describe.
	MaxSlotCiphertext = 255

	countSize   = 4
	minSlotSize = NonceSize + 1
)

var ErrSlotTooLarge = errors.New("recipient slot exceeds 255 bytes")

type RecipientSlot struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Envelope is a payload encrypted once plus one key slot per recipient.
type Envelope struct {
	PayloadNonce [NonceSize]byte
	Recipients   []RecipientSlot
	Payload      []byte
}

// SymmetricPacket is a passphrase-encrypted message.
type SymmetricPacket struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// ChainPacket is one forward-secret chaining message.
type ChainPacket struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), contracts.ErrCorruptPacket)
}

// PacketType returns the leading type byte of an encrypt output.
func PacketType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, corrupt("empty packet")
	}
	switch data[0] {
	case TypeHybrid, TypeSymmetric:
		return data[0], nil
	default:
		return 0, corrupt("unknown packet type %d", data[0])
	}
}

func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if uint64(len(env.Recipients)) > uint64(^uint32(0)) {
		return nil, errors.New("too many recipients")
	}
	size := 1 + NonceSize + countSize + len(env.Payload)
	for _, slot := range env.Recipients {
		if len(slot.Ciphertext) > MaxSlotCiphertext {
			return nil, ErrSlotTooLarge
		}
		size += minSlotSize + len(slot.Ciphertext)
	}
	out := make([]byte, 0, size)
	out = append(out, TypeHybrid)
	out = append(out, env.PayloadNonce[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(env.Recipients)))
	for _, slot := range env.Recipients {
		out = append(out, slot.Nonce[:]...)
		out = append(out, byte(len(slot.Ciphertext)))
		out = append(out, slot.Ciphertext...)
	}
	out = append(out, env.Payload...)
	return out, nil
}

func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) == 0 || data[0] != TypeHybrid {
		return nil, corrupt("not a hybrid packet")
	}
	rest := data[1:]
	if len(rest) < NonceSize+countSize {
		return nil, corrupt("truncated header")
	}
	env := &Envelope{}
	copy(env.PayloadNonce[:], rest[:NonceSize])
	rest = rest[NonceSize:]
	count := binary.BigEndian.Uint32(rest[:countSize])
	rest = rest[countSize:]
	if uint64(count)*minSlotSize > uint64(len(rest)) {
		return nil, corrupt("recipient count %d exceeds packet size", count)
	}
	env.Recipients = make([]RecipientSlot, count)
	for i := range env.Recipients {
		if len(rest) < minSlotSize {
			return nil, corrupt("truncated recipient slot %d", i)
		}
		copy(env.Recipients[i].Nonce[:], rest[:NonceSize])
		n := int(rest[NonceSize])
		rest = rest[minSlotSize:]
		if len(rest) < n {
			return nil, corrupt("truncated recipient slot %d ciphertext", i)
		}
		env.Recipients[i].Ciphertext = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
	}
	env.Payload = append([]byte{}, rest...)
	return env, nil
}

func MarshalSymmetric(p *SymmetricPacket) []byte {
	out := make([]byte, 0, 1+NonceSize+len(p.Ciphertext))
	out = append(out, TypeSymmetric)
	out = append(out, p.Nonce[:]...)
	return append(out, p.Ciphertext...)
}

func UnmarshalSymmetric(data []byte) (*SymmetricPacket, error) {
	if len(data) == 0 || data[0] != TypeSymmetric {
		return nil, corrupt("not a symmetric packet")
	}
	nonce, ct, err := splitNonce(data[1:])
	if err != nil {
		return nil, err
	}
	return &SymmetricPacket{Nonce: nonce, Ciphertext: ct}, nil
}

func MarshalChain(p *ChainPacket) []byte {
	out := make([]byte, 0, NonceSize+len(p.Ciphertext))
	out = append(out, p.Nonce[:]...)
	return append(out, p.Ciphertext...)
}

func UnmarshalChain(data []byte) (*ChainPacket, error) {
	nonce, ct, err := splitNonce(data)
	if err != nil {
		return nil, err
	}
	return &ChainPacket{Nonce: nonce, Ciphertext: ct}, nil
}

func splitNonce(data []byte) ([NonceSize]byte, []byte, error) {
	var nonce [NonceSize]byte
	if len(data) < NonceSize {
		return nonce, nil, corrupt("truncated nonce")
	}
	copy(nonce[:], data[:NonceSize])
	return nonce, append([]byte{}, data[NonceSize:]...), nil
}
