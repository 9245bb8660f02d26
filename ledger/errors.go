/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels and errors.As on the
  structured types when they need the details (available balance,
  unlock date, current status).

ERROR CATEGORIES:
  1. Client errors - validation, insufficient balance, term lock
  2. Race errors - state conflicts, surfaced as "please retry"
  3. Integrity errors - ledger increments against missing rows (fatal)
  4. Idempotency - duplicate earnings, a safe no-op for callers

SEE ALSO:
  - transaction.go: Produces most of these errors
  - api/errors.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input or violated business rules.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a withdrawal exceeds net available funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTermLocked is returned when withdrawing from a term tontine before its end date.
	ErrTermLocked = errors.New("term tontine is locked")

	// ErrStateConflict is returned when a transition races with another writer
	// or targets a transaction that is already terminal.
	ErrStateConflict = errors.New("state conflict")

	// ErrReferentialIntegrity is returned when a ledger increment targets a
	// tontine or participation that does not exist.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrDuplicateEarning is returned when an earning for the same transaction
	// (or the same subscription month) already exists.
	ErrDuplicateEarning = errors.New("duplicate earning")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one invalid field or rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports the real ceiling so the UI can show it.
type InsufficientBalanceError struct {
	TontineID TontineID
	ClientID  ClientID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %d, maximum %d (reserved fees deducted)",
		e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// TermLockError carries the date from which withdrawals are allowed.
type TermLockError struct {
	TontineID  TontineID
	UnlockDate time.Time
}

func (e *TermLockError) Error() string {
	return fmt.Sprintf("withdrawal not allowed before the end of the term (%s)",
		e.UnlockDate.Format("2006-01-02"))
}

func (e *TermLockError) Unwrap() error { return ErrTermLocked }

// StateConflictError means the caller should re-preview and retry.
type StateConflictError struct {
	TransactionID TransactionID
	Current       TransactionStatus
	Reason        string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("state conflict on transaction %s: %s, please retry", e.TransactionID, e.Reason)
	}
	return fmt.Sprintf("state conflict on transaction %s: status is %s, please retry", e.TransactionID, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// ReferentialIntegrityError names the missing row behind a ledger increment.
type ReferentialIntegrityError struct {
	Entity string // "tontine" or "participation"
	Key    string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("referential integrity violation: %s %s does not exist", e.Entity, e.Key)
}

func (e *ReferentialIntegrityError) Unwrap() error { return ErrReferentialIntegrity }

// DuplicateEarningError identifies the idempotency key that already exists.
type DuplicateEarningError struct {
	TransactionID TransactionID
	Key           string
}

func (e *DuplicateEarningError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("earning already recorded for transaction %s", e.TransactionID)
	}
	return fmt.Sprintf("earning already recorded for %s", e.Key)
}

func (e *DuplicateEarningError) Unwrap() error { return ErrDuplicateEarning }

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.Key) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after a fresh preview.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTermLocked) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IgnoreDuplicateEarning turns a DuplicateEarningError into success.
func IgnoreDuplicateEarning(err error) error {
	if errors.Is(err, ErrDuplicateEarning) {
		return nil
	}
	return err
}

// NewValidationError builds a ValidationError. Stores use it for unique
// keys owned by the caller (identifiers, participations).
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validationf(field, format string, args ...any) error {
	return NewValidationError(field, format, args...)
}
