package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the session bridge
var (
	// Storage errors
	ErrStoreUnavailable     = errors.New("session store unavailable")
	ErrStoreOperationFailed = errors.New("session store operation failed")
	ErrDuplicateToken       = errors.New("session token already exists")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// Protocol client errors
	ErrStateReconstructionFailed = errors.New("protocol state reconstruction failed")
	ErrCallbackProcessingFailed  = errors.New("callback processing failed")
	ErrOAuthStateRecoveryFailed  = errors.New("oauth state recovery failed")
	ErrNotAuthorized             = errors.New("session is not authorized")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New re-exported so callers need a single errors import
func New(text string) error {
	return errors.New(text)
}
