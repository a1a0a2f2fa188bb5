package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethuramanv/payrecon/internal/domain"
)

// Failure taxonomy surfaced to the transport layer. A duplicate external id is
// deliberately absent: redelivery is the guard's success path, not an error.
var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// Sentinels the store implementations return so the workflow can classify
// outcomes without inspecting driver errors itself.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateExternalID = errors.New("duplicate external id")
	ErrBalanceConstraint   = errors.New("balance constraint violated")
)

// LedgerStore persists reconciliation outcomes. Insert must fail with
// ErrDuplicateExternalID or ErrDuplicateReference on the corresponding unique
// constraint; that conflict is the final race-safety backstop.
type LedgerStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*domain.LedgerEntry, error)
	Insert(ctx context.Context, entry *domain.LedgerEntry) error
}

// AccountStore resolves accounts and mutates balances. ApplyDelta must be a
// single atomic conditional update that fails with ErrBalanceConstraint instead
// of letting the balance go negative; a read-then-write sequence is not an
// acceptable implementation.
type AccountStore interface {
	FindByIDOrPhone(ctx context.Context, accountRef, phone string) (*domain.Account, error)
	ApplyDelta(ctx context.Context, accountID, delta int64) error
}

// Reconciler applies provider callbacks to the ledger exactly once. Safe for
// concurrent use with overlapping or identical external ids.
type Reconciler struct {
	ledger   LedgerStore
	accounts AccountStore
	obs      Observer
	now      func() time.Time
}

func NewReconciler(ledger LedgerStore, accounts AccountStore, obs Observer) *Reconciler {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Reconciler{ledger: ledger, accounts: accounts, obs: obs, now: time.Now}
}

// ReconcileDeposit records a deposit callback and credits the account when the
// normalized status is completed.
func (r *Reconciler) ReconcileDeposit(ctx context.Context, ev domain.CanonicalEvent) (*domain.LedgerEntry, error) {
	ev.Kind = domain.KindDeposit
	return r.reconcile(ctx, ev)
}

// ReconcileWithdrawal records a withdrawal callback and debits the account when
// the normalized status is completed and the balance suffices.
func (r *Reconciler) ReconcileWithdrawal(ctx context.Context, ev domain.CanonicalEvent) (*domain.LedgerEntry, error) {
	ev.Kind = domain.KindWithdrawal
	return r.reconcile(ctx, ev)
}

func (r *Reconciler) reconcile(ctx context.Context, ev domain.CanonicalEvent) (entry *domain.LedgerEntry, err error) {
	start := r.now()
	duplicate := false
	defer func() {
		o := Outcome{
			ExternalID: ev.ExternalID,
			Kind:       ev.Kind,
			Duplicate:  duplicate,
			Elapsed:    r.now().Sub(start),
			Err:        err,
		}
		if entry != nil {
			o.AccountID = entry.AccountID
			o.Status = entry.Status
			o.Amount = entry.Amount
		}
		r.obs.ReconcileFinished(ctx, o)
	}()

	// 1. Validate before touching any store.
	if ev.ExternalID == "" || strings.TrimSpace(ev.ProviderStatus) == "" || !ev.HasAccountHint() {
		return nil, fmt.Errorf("%w: external id, provider status and an account hint are required", ErrInvalidEvent)
	}
	status, ok := domain.ParseStatus(ev.ProviderStatus)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider status %q", ErrInvalidEvent, ev.ProviderStatus)
	}

	// 2. Idempotency guard. A prior entry means the event already took effect;
	// return it unchanged.
	prior, err := r.ledger.FindByExternalID(ctx, ev.ExternalID)
	if err == nil {
		duplicate = true
		return prior, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: guard lookup for %s: %v", ErrStoreUnavailable, ev.ExternalID, err)
	}

	// 3. Resolve the target account, id fragment first, phone fallback.
	acct, err := r.accounts.FindByIDOrPhone(ctx, ev.AccountRef, ev.Phone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: ref=%q phone=%q (event %s)", ErrAccountNotFound, ev.AccountRef, ev.Phone, ev.ExternalID)
		}
		return nil, fmt.Errorf("%w: account lookup for %s: %v", ErrStoreUnavailable, ev.ExternalID, err)
	}

	// 4. Amount never raises: negative input clamps to zero.
	amount := ev.Amount
	if amount < 0 {
		amount = 0
	}

	entry = &domain.LedgerEntry{
		AccountID:     acct.ID,
		Kind:          ev.Kind,
		Amount:        amount,
		Status:        status,
		ExternalID:    ev.ExternalID,
		ExternalRefID: ev.ExternalRefID,
		Reference:     r.reference(ev.Kind, ev.ExternalID),
		Description:   description(ev),
	}

	// 5. Balance effect, only for a completed event with a positive amount.
	var applied int64
	if status == domain.StatusCompleted && amount > 0 {
		delta := amount
		if ev.Kind == domain.KindWithdrawal {
			delta = -amount
		}
		if derr := r.accounts.ApplyDelta(ctx, acct.ID, delta); derr != nil {
			if errors.Is(derr, ErrBalanceConstraint) {
				// Record the attempt as failed before surfacing; the entry is
				// never visible as completed.
				entry.Status = domain.StatusFailed
				if prior, perr := r.persist(ctx, entry, 0); perr != nil {
					return prior, perr
				} else if prior != nil {
					duplicate = true
					return prior, nil
				}
				return entry, fmt.Errorf("%w: account %d cannot cover %d (event %s)", ErrInsufficientFunds, acct.ID, amount, ev.ExternalID)
			}
			return nil, fmt.Errorf("%w: balance update for account %d: %v", ErrStoreUnavailable, acct.ID, derr)
		}
		applied = delta
	}

	// 6. Persist the entry; the unique constraint arbitrates concurrent
	// deliveries that slipped past the guard.
	if prior, perr := r.persist(ctx, entry, applied); perr != nil {
		return nil, perr
	} else if prior != nil {
		duplicate = true
		return prior, nil
	}
	return entry, nil
}

// persist inserts the entry. If a concurrent delivery already inserted one for
// the same external id, the applied delta is reversed and the winner's entry is
// returned. Other insert failures also reverse the delta before reporting.
func (r *Reconciler) persist(ctx context.Context, entry *domain.LedgerEntry, applied int64) (*domain.LedgerEntry, error) {
	err := r.ledger.Insert(ctx, entry)
	if err == nil {
		return nil, nil
	}
	r.compensate(ctx, entry.AccountID, applied)
	switch {
	case errors.Is(err, ErrDuplicateExternalID):
		prior, ferr := r.ledger.FindByExternalID(ctx, entry.ExternalID)
		if ferr != nil {
			return nil, fmt.Errorf("%w: winner lookup for %s: %v", ErrStoreUnavailable, entry.ExternalID, ferr)
		}
		return prior, nil
	case errors.Is(err, ErrDuplicateReference):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, entry.Reference)
	}
	return nil, fmt.Errorf("%w: ledger insert for %s: %v", ErrStoreUnavailable, entry.ExternalID, err)
}

// compensate reverses a balance delta whose ledger entry never became durable.
// A reversal can itself fail only when a deposit credit was spent in the
// meantime; that leaves an over-credit which the replay audit will surface, so
// it is reported rather than retried.
func (r *Reconciler) compensate(ctx context.Context, accountID, applied int64) {
	if applied == 0 {
		return
	}
	if err := r.accounts.ApplyDelta(ctx, accountID, -applied); err != nil {
		r.obs.CompensationFailed(ctx, accountID, -applied, err)
	}
}

func (r *Reconciler) reference(kind domain.TransactionKind, externalID string) string {
	return fmt.Sprintf("%s-%s-%d", kind, externalID, r.now().UnixMilli())
}

func description(ev domain.CanonicalEvent) string {
	if ev.Note != "" {
		return ev.Note
	}
	return fmt.Sprintf("%s callback %s", ev.Kind, ev.ExternalID)
}
