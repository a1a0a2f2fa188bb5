package service

import (
	"context"
	"time"

	"github.com/sethuramanv/payrecon/internal/domain"
)

// Outcome is the structured record of one reconciliation attempt, emitted for
// every call whether it succeeded, replayed or failed.
type Outcome struct {
	ExternalID string
	AccountID  int64
	Kind       domain.TransactionKind
	Status     domain.TransactionStatus
	Amount     int64
	Duplicate  bool
	Elapsed    time.Duration
	Err        error
}

// Observer receives reconciliation telemetry. It is injected rather than
// reached through a package global so tests can assert on emitted outcomes.
type Observer interface {
	ReconcileFinished(ctx context.Context, o Outcome)
	// CompensationFailed reports a balance reversal that could not be applied,
	// leaving a discrepancy the replay audit must reconcile.
	CompensationFailed(ctx context.Context, accountID, delta int64, err error)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) ReconcileFinished(context.Context, Outcome) {}

func (NopObserver) CompensationFailed(context.Context, int64, int64, error) {}
