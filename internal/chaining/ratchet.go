package chaining

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	infoRoot    = "pbp/chaining/root/v1|"
	infoA2B     = "pbp/chaining/chain/a2b/v1"
	infoB2A     = "pbp/chaining/chain/b2a/v1"
	infoMessage = "pbp/chaining/msg/v1"
	infoChain   = "pbp/chaining/chain/v1"
)

// deriveRootKey binds the static agreement to the unordered pair of names so
// both sides arrive at the same root.
func deriveRootKey(shared []byte, self, peer string) []byte {
	a, b := normalizeNames(self, peer)
	return kdf32(shared, []byte(infoRoot+a+"\x00"+b))
}

// deriveInitialChainKeys returns (send, recv) for self. The lexically smaller
// name sends on the a2b chain.
func deriveInitialChainKeys(rootKey []byte, self, peer string) ([]byte, []byte) {
	a2b := kdf32(rootKey, []byte(infoA2B))
	b2a := kdf32(rootKey, []byte(infoB2A))
	a, _ := normalizeNames(self, peer)
	if self == a {
		return a2b, b2a
	}
	return b2a, a2b
}

// deriveMessageKey is one step of a chain: the message key for idx and the
// chain key replacing chainKey. Neither output reveals chainKey.
func deriveMessageKey(chainKey []byte, idx uint64) ([]byte, []byte) {
	seed := binary.BigEndian.AppendUint64(append([]byte(nil), chainKey...), idx)
	defer zeroBytes(seed)
	return kdf32(seed, []byte(infoMessage)), kdf32(seed, []byte(infoChain))
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func messageAAD(sender, recipient string) []byte {
	return []byte(sender + "\x00" + recipient)
}

func normalizeNames(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// pruneSkippedKeys drops keys that fell out of the skip window, then the
// oldest ones until at most max remain.
func pruneSkippedKeys(keys map[uint64][]byte, recvIndex, window uint64, max int) {
	for idx, key := range keys {
		if idx+window < recvIndex {
			zeroBytes(key)
			delete(keys, idx)
		}
	}
	for len(keys) > max {
		var minIdx uint64
		first := true
		for idx := range keys {
			if first || idx < minIdx {
				minIdx = idx
				first = false
			}
		}
		zeroBytes(keys[minIdx])
		delete(keys, minIdx)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
