package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	KeyStatusValid   = "valid"
	KeyStatusInvalid = "invalid"
)

// KeyInfo is one line of a public or secret key listing.
type KeyInfo struct {
	Name       string    `json:"name"`
	KeyID      string    `json:"key_id"`
	Status     string    `json:"status"`
	Owned      bool      `json:"owned"`
	Created    time.Time `json:"created"`
	ValidUntil time.Time `json:"valid_until"`
}

func KeyStatus(valid bool) string {
	if valid {
		return KeyStatusValid
	}
	return KeyStatusInvalid
}

// String renders the listing line "<status> <keyid> <name>".
func (k KeyInfo) String() string {
	return fmt.Sprintf("%s %s %s", k.Status, k.KeyID, k.Name)
}

// Endorsements lists who vouched for a key.
type Endorsements struct {
	Name      string   `json:"name"`
	Endorsers []string `json:"endorsers"`
}

// String renders the check-sigs report line.
func (e Endorsements) String() string {
	if len(e.Endorsers) == 0 {
		return fmt.Sprintf("no good signatures on %s", e.Name)
	}
	return fmt.Sprintf("good signatures on %s from %s", e.Name, strings.Join(e.Endorsers, ", "))
}
