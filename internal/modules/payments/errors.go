package payments

import (
	"errors"
	"fmt"
)

var (
	ErrContestNotPayable      = errors.New("contest not payable")
	ErrForbidden              = errors.New("forbidden")
	ErrDuplicateActivePayment = errors.New("contest already has an active payment")
	ErrUnknownProvider        = errors.New("unknown payment provider")
	ErrProviderDisabled       = errors.New("payment provider disabled")
	ErrCaptureNotSupported    = errors.New("provider does not support direct capture")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrInvalidTransition      = errors.New("invalid payment status transition")
)

// ConfigError: the provider is switched on but its credentials are incomplete.
// Surfaced to the caller, never silently routed around.
type ConfigError struct {
	Provider string
	Missing  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s not configured: missing %s", e.Provider, e.Missing)
}

// CommError: the provider endpoint could not be reached or answered non-2xx.
// No local state is mutated; the caller may retry.
type CommError struct {
	Provider string
	Op       string
	Err      error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }
