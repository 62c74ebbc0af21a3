// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Registry errors
var (
	ErrCapacityExceeded = errors.New("slot index exceeds triangle capacity")
	ErrSlotTaken        = errors.New("slot already taken")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrPositionNotFound = errors.New("position not found")
	ErrTriangleNotFound = errors.New("triangle not found")
)

// Allocation errors
var (
	ErrAlreadyPlaced   = errors.New("user already placed at tier")
	ErrNoEligibleTier  = errors.New("no plan configured for tier")
	ErrInvalidReferrer = errors.New("invalid referrer")
)

// Deposit and ledger errors
var (
	ErrUnknownDeposit       = errors.New("no pending position matches deposit")
	ErrUnderpaid            = errors.New("deposit amount below required amount")
	ErrAssetMismatch        = errors.New("deposit coin does not match position")
	ErrDuplicateExternalRef = errors.New("external reference already recorded")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidPlan          = errors.New("invalid plan")
)

// Infrastructure errors
var (
	// ErrStorageConflict marks concurrent-write contention. Units of work
	// returning it are retried before the error reaches callers.
	ErrStorageConflict  = errors.New("storage conflict")
	ErrLockHeld         = errors.New("lock held by another owner")
	ErrDuplicateRequest = errors.New("duplicate request in progress")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
