package entities

import "fmt"

// TransactionStatus is the lifecycle state of a settlement transaction.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	// TransactionStatusCompleted means funds were submitted on-chain (or the
	// payout was initiated) and the outcome is awaiting confirmation.
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// ValidTransactionStatuses contains all valid transaction statuses
var ValidTransactionStatuses = map[TransactionStatus]bool{
	TransactionStatusPending:    true,
	TransactionStatusProcessing: true,
	TransactionStatusCompleted:  true,
	TransactionStatusConfirmed:  true,
	TransactionStatusFailed:     true,
}

// ValidTransactionTransitions defines allowed status transitions.
// processing -> processing is the submission re-claim used by recovery.
var ValidTransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusFailed},
	TransactionStatusProcessing: {TransactionStatusProcessing, TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted:  {TransactionStatusConfirmed, TransactionStatusFailed},
	TransactionStatusConfirmed:  {}, // Terminal state
	TransactionStatusFailed:     {}, // Terminal state
}

// NonTerminalStatuses are the statuses the recovery sweep looks at.
var NonTerminalStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusProcessing,
	TransactionStatusCompleted,
}

// IsValid checks if the status is a valid transaction status
func (s TransactionStatus) IsValid() bool {
	return ValidTransactionStatuses[s]
}

// CanTransitionTo checks if transition to new status is allowed
func (s TransactionStatus) CanTransitionTo(newStatus TransactionStatus) bool {
	for _, status := range ValidTransactionTransitions[s] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusConfirmed || s == TransactionStatusFailed
}

// HasSettlementHash reports whether a transaction in this status must carry
// a blockchain hash.
func (s TransactionStatus) HasSettlementHash() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusConfirmed
}

// ValidateTransition validates and returns error if transition is invalid
func (s TransactionStatus) ValidateTransition(newStatus TransactionStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid transaction status: %s", newStatus)
	}
	if !s.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid status transition from %s to %s", s, newStatus)
	}
	return nil
}
