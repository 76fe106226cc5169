package securestore

import (
	"golang.org/x/crypto/argon2"
)

// fixedSalt is compiled in: passphrase-symmetric packets carry no salt field,
// so both sides must agree on it out of band.
var fixedSalt = []byte("pbp/securestore/fixed-salt/v1:8d3f0c5a9e1b7246")

// Params is the argon2id cost. It is fixed per installation: a packet sealed
// under one cost cannot be opened under another.
type Params struct {
	Time     uint32 `yaml:"time"`
	MemoryKB uint32 `yaml:"memory_kb"`
	Threads  uint8  `yaml:"threads"`
}

func DefaultParams() Params {
	return Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p Params) normalized() Params {
	def := DefaultParams()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.Threads == 0 {
		p.Threads = def.Threads
	}
	if p.MemoryKB < 8*uint32(p.Threads) {
		p.MemoryKB = def.MemoryKB
	}
	return p
}

// Stretch derives length bytes from passphrase with argon2id.
func Stretch(passphrase, salt []byte, p Params, length int) []byte {
	p = p.normalized()
	return argon2.IDKey(passphrase, salt, p.Time, p.MemoryKB, p.Threads, uint32(length))
}

// StretchFixed is Stretch under the fixed salt.
func StretchFixed(passphrase []byte, p Params, length int) []byte {
	return Stretch(passphrase, fixedSalt, p, length)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
