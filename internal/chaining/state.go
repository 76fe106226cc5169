package chaining

import (
	"fmt"
	"time"

	"pbp/go-pbp/internal/contracts"

	"github.com/fxamacker/cbor/v2"
)

const stateFormat = 1

// State is the durable record of one (self, peer) ratchet. Version grows by
// one on every save.
type State struct {
	Format       uint8             `cbor:"1,keyasint"`
	Version      uint64            `cbor:"2,keyasint"`
	Self         string            `cbor:"3,keyasint"`
	Peer         string            `cbor:"4,keyasint"`
	SendChainKey []byte            `cbor:"5,keyasint"`
	RecvChainKey []byte            `cbor:"6,keyasint"`
	SendIndex    uint64            `cbor:"7,keyasint"`
	RecvIndex    uint64            `cbor:"8,keyasint"`
	SkippedKeys  map[uint64][]byte `cbor:"9,keyasint,omitempty"`
	CreatedAt    int64             `cbor:"10,keyasint"`
	UpdatedAt    int64             `cbor:"11,keyasint"`
}

var stateEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

func encodeState(s *State) ([]byte, error) {
	return stateEncMode.Marshal(s)
}

func decodeState(data []byte) (*State, error) {
	var s State
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("chain state: %w", contracts.ErrCorruptPacket)
	}
	if s.Format != stateFormat {
		return nil, fmt.Errorf("chain state format %d: %w", s.Format, contracts.ErrCorruptPacket)
	}
	if len(s.SendChainKey) != 32 || len(s.RecvChainKey) != 32 {
		return nil, fmt.Errorf("chain state key size: %w", contracts.ErrCorruptPacket)
	}
	if s.SkippedKeys == nil {
		s.SkippedKeys = map[uint64][]byte{}
	}
	return &s, nil
}

func newState(self, peer string, send, recv []byte, now time.Time) *State {
	return &State{
		Format:       stateFormat,
		Self:         self,
		Peer:         peer,
		SendChainKey: send,
		RecvChainKey: recv,
		SkippedKeys:  map[uint64][]byte{},
		CreatedAt:    now.Unix(),
		UpdatedAt:    now.Unix(),
	}
}

func (s *State) wipe() {
	zeroBytes(s.SendChainKey)
	zeroBytes(s.RecvChainKey)
	for idx, key := range s.SkippedKeys {
		zeroBytes(key)
		delete(s.SkippedKeys, idx)
	}
}
