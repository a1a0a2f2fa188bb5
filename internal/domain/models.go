package domain

import (
	"strings"
	"time"
)

// TransactionKind distinguishes the two directions a callback can move money.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// ParseStatus normalizes a provider-supplied status string. Matching is
// case-insensitive; anything outside the four known states is rejected.
func ParseStatus(s string) (TransactionStatus, bool) {
	switch TransactionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	case StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// CanonicalEvent is the normalized form of one provider callback. It lives only
// for the duration of a single reconciliation call.
type CanonicalEvent struct {
	ExternalID     string          `json:"external_id"`
	ExternalRefID  string          `json:"external_ref_id,omitempty"`
	Kind           TransactionKind `json:"kind"`
	ProviderStatus string          `json:"provider_status"`
	Amount         int64           `json:"amount"` // minor units, never negative
	AccountRef     string          `json:"account_ref,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Note           string          `json:"note,omitempty"`
	Raw            map[string]any  `json:"raw,omitempty"` // opaque, retained for audit
}

// HasAccountHint reports whether the event carries at least one way to resolve
// the target account.
func (e CanonicalEvent) HasAccountHint() bool {
	return e.AccountRef != "" || e.Phone != ""
}

// LedgerEntry is the immutable record of one reconciliation outcome. ExternalID
// is the idempotency key: at most one entry ever exists per value.
type LedgerEntry struct {
	ID            int64             `json:"id"`
	AccountID     int64             `json:"account_id"`
	Kind          TransactionKind   `json:"kind"`
	Amount        int64             `json:"amount"`
	Status        TransactionStatus `json:"status"`
	ExternalID    string            `json:"external_id"`
	ExternalRefID string            `json:"external_ref_id,omitempty"`
	Reference     string            `json:"reference"`
	Description   string            `json:"description,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Account holds a wallet balance in minor units. Balance changes only as the
// byproduct of a completed deposit or withdrawal entry and never goes negative.
type Account struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}
