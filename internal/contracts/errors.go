package contracts

import (
	"errors"
	"strings"
)

// Taxonomy shared by every package. Callers match with errors.Is; the
// message text is the only thing a user ever sees.
var (
	ErrUsage                 = errors.New("usage error")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrIdentityExists        = errors.New("identity already exists")
	ErrIdentityExpired       = errors.New("identity outside its validity window")
	ErrPassphraseRequired    = errors.New("passphrase required")
	ErrCorruptPacket         = errors.New("corrupt packet")
	ErrAuthenticationFailure = errors.New("decryption failed")
	ErrVerificationFailure   = errors.New("verification failed")
	ErrRecipientCount        = errors.New("forward secret mode needs exactly one recipient")
	ErrChainDesync           = errors.New("chaining state out of sync")
	ErrKeyConflict           = errors.New("public key conflicts with existing record")
	ErrStateLocked           = errors.New("chaining state is locked by another process")
)

const (
	ErrorCategoryUsage   = "usage"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryUsage:
		return ErrorCategoryUsage
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	default:
		return ErrorCategoryStorage
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// Classify picks a category from the taxonomy for errors that were not
// explicitly wrapped.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUsage), errors.Is(err, ErrRecipientCount):
		return WrapCategorizedError(ErrorCategoryUsage, err)
	case errors.Is(err, ErrAuthenticationFailure),
		errors.Is(err, ErrVerificationFailure),
		errors.Is(err, ErrCorruptPacket),
		errors.Is(err, ErrChainDesync),
		errors.Is(err, ErrPassphraseRequired):
		return WrapCategorizedError(ErrorCategoryCrypto, err)
	default:
		return WrapCategorizedError(ErrorCategoryStorage, err)
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryStorage
}
