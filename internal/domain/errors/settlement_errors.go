package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
)

// Settlement-specific errors
var (
	ErrTransactionNotFound = NotFoundError("TRANSACTION")

	ErrInvalidSignature = &DomainError{
		Err:     ErrUnauthorized,
		Code:    "INVALID_SIGNATURE",
		Message: "invalid webhook signature",
	}

	ErrMissingMetadata  = ValidationError("metadata", "settlement metadata is missing or incomplete")
	ErrMetadataMismatch = &DomainError{
		Err:     ErrInvalidInput,
		Code:    "METADATA_MISMATCH",
		Message: "notification metadata does not match the settlement record",
	}
	ErrDuplicateReference = &DomainError{
		Err:     ErrConflict,
		Code:    "DUPLICATE_REFERENCE",
		Message: "payment reference already exists",
	}
	ErrDuplicateDeposit = &DomainError{
		Err:     ErrConflict,
		Code:    "DUPLICATE_DEPOSIT",
		Message: "deposit transaction already backs another settlement",
	}

	ErrIllegalTransition        = errors.New("illegal status transition")
	ErrInsufficientFunds        = errors.New("insufficient custodial balance")
	ErrChainSubmission          = errors.New("chain submission failed")
	ErrUnsupportedCrypto        = errors.New("unsupported crypto type")
	ErrInvalidAddress           = errors.New("invalid destination address")
	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrSlippageBoundUnsupported = errors.New("slippage bound cannot be enforced by venue")

	// ErrCircuitOpen is returned while a dependency's breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrCircuitOpen
)

// IllegalTransitionError reports a compare-and-transition that lost: the
// stored status was not one of the expected ones.
type IllegalTransitionError struct {
	TransactionID string
	Current       string
	Expected      []string
	Target        string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s: status is %s, expected one of [%s] to move to %s",
		e.TransactionID, e.Current, strings.Join(e.Expected, ","), e.Target)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ChainSubmissionError wraps a failed broadcast. The transaction stays in
// processing and recovery decides its fate.
type ChainSubmissionError struct {
	Network string
	Err     error
}

func (e *ChainSubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Network, e.Err)
}

func (e *ChainSubmissionError) Unwrap() error {
	return e.Err
}

func (e *ChainSubmissionError) Is(target error) bool {
	return target == ErrChainSubmission
}

// IsRetryable lets the retry package treat submission errors as transient.
func (e *ChainSubmissionError) IsRetryable() bool {
	return true
}

// IsIllegalTransition checks if an error is a lost compare-and-transition
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

// IsDependencyFailure reports whether err should count against a circuit
// breaker. Domain rejections say nothing about the health of the dependency.
func IsDependencyFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUnsupportedCrypto),
		errors.Is(err, ErrSlippageBoundUnsupported),
		errors.Is(err, ErrInvalidInput):
		return false
	}
	return circuitbreaker.DefaultIsFailure(err)
}
