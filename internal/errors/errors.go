// Package errors defines the typed outcomes of the license activation
// engine and their HTTP representations.
//
// Every expected business condition (revoked, expired, quota exhausted,
// tampered code, stale proof) is a sentinel error matched with errors.Is;
// the engine never panics or throws for these, and callers can switch on
// them without string comparison. Store-level failures are wrapped in
// ErrTransient so callers know a retry is safe.
package errors

import (
	"errors"
	"fmt"
)

// Engine outcomes. These are the only errors the activation and offline
// packages return for business conditions; anything else is a transient
// infrastructure failure wrapped in ErrTransient.
var (
	// ErrNotFound means the license key does not exist or is not visible
	// to the requesting owner.
	ErrNotFound = errors.New("license not found")

	// ErrRevoked means the license was administratively revoked. Terminal.
	ErrRevoked = errors.New("license revoked")

	// ErrExpired means the license expiry date has passed. Terminal.
	ErrExpired = errors.New("license expired")

	// ErrQuotaExceeded means the license has no free device slots.
	ErrQuotaExceeded = errors.New("device quota exceeded")

	// ErrTampered means an offline request code failed its checksum.
	ErrTampered = errors.New("request code tampered")

	// ErrRequestExpired means an offline request code is older than the
	// submission window.
	ErrRequestExpired = errors.New("request code expired")

	// ErrInvalidSignature means a response code failed RSA verification.
	ErrInvalidSignature = errors.New("invalid response signature")

	// ErrWrongDevice means a response code was issued for different hardware.
	ErrWrongDevice = errors.New("response issued for a different device")

	// ErrProofExpired means the activation proof's validity window has passed.
	ErrProofExpired = errors.New("activation proof expired")

	// ErrBadFormat means a code's protocol tag or payload could not be decoded.
	ErrBadFormat = errors.New("unrecognized code format")

	// ErrAlreadyBoundElsewhere means the license carries a legacy
	// single-device binding for different hardware.
	ErrAlreadyBoundElsewhere = errors.New("license bound to another device")

	// ErrVerificationFailed is the single outcome for every cryptographic
	// verification failure. The signer does not distinguish malformed
	// encodings from mismatches to avoid acting as an oracle.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrTransient wraps store or driver failures that are safe to retry.
	ErrTransient = errors.New("store temporarily unavailable")
)

// Transient wraps err as a retryable store failure, preserving the cause
// for logs while letting callers match on ErrTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsTerminal reports whether err is an outcome that retrying with the same
// input can never change.
func IsTerminal(err error) bool {
	switch {
	case errors.Is(err, ErrRevoked),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrProofExpired),
		errors.Is(err, ErrRequestExpired):
		return true
	}
	return false
}
