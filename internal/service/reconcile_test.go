package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethuramanv/payrecon/internal/domain"
)

// fakeLedger mimics the store's unique-constraint behavior in memory.
type fakeLedger struct {
	mu         sync.Mutex
	entries    map[string]*domain.LedgerEntry
	refs       map[string]bool
	nextID     int64
	finds      int
	inserts    int
	findErr    error
	insertHook func(*domain.LedgerEntry) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries: make(map[string]*domain.LedgerEntry),
		refs:    make(map[string]bool),
	}
}

func (f *fakeLedger) FindByExternalID(_ context.Context, externalID string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	if e, ok := f.entries[externalID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeLedger) Insert(_ context.Context, entry *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertHook != nil {
		if err := f.insertHook(entry); err != nil {
			return err
		}
	}
	if _, ok := f.entries[entry.ExternalID]; ok {
		return ErrDuplicateExternalID
	}
	if f.refs[entry.Reference] {
		return ErrDuplicateReference
	}
	f.nextID++
	entry.ID = f.nextID
	entry.CreatedAt = time.Now()
	cp := *entry
	f.entries[entry.ExternalID] = &cp
	f.refs[entry.Reference] = true
	return nil
}

// put stores an entry directly, bypassing the insert path. Used to simulate a
// concurrent writer winning the race.
func (f *fakeLedger) put(entry domain.LedgerEntry) {
	f.entries[entry.ExternalID] = &entry
	f.refs[entry.Reference] = true
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// fakeAccounts serializes balance mutations behind one mutex, matching the
// conditional-update contract.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
	finds    int
	deltas   int
	deltaErr error
}

func newFakeAccounts(accts ...domain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[int64]*domain.Account)}
	for _, a := range accts {
		cp := a
		f.accounts[a.ID] = &cp
	}
	return f
}

func (f *fakeAccounts) FindByIDOrPhone(_ context.Context, accountRef, phone string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if id, err := strconv.ParseInt(strings.TrimSpace(accountRef), 10, 64); err == nil {
		if a, ok := f.accounts[id]; ok {
			cp := *a
			return &cp, nil
		}
	}
	if phone != "" {
		for _, a := range f.accounts {
			if a.Phone == phone {
				cp := *a
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (f *fakeAccounts) ApplyDelta(_ context.Context, accountID, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas++
	if f.deltaErr != nil {
		return f.deltaErr
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.Balance+delta < 0 {
		return fmt.Errorf("%w: account %d delta %d", ErrBalanceConstraint, accountID, delta)
	}
	a.Balance += delta
	return nil
}

func (f *fakeAccounts) balance(accountID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountID].Balance
}

// recordingObserver captures emitted telemetry for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []Outcome
	compFails int
}

func (r *recordingObserver) ReconcileFinished(_ context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) CompensationFailed(_ context.Context, _, _ int64, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compFails++
}

func (r *recordingObserver) last() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[len(r.outcomes)-1]
}

func testAccount() domain.Account {
	return domain.Account{ID: 7, Phone: "+254700000007", Balance: 0}
}

func completedEvent(externalID string, amount int64) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		ExternalID:     externalID,
		ProviderStatus: "Completed",
		Amount:         amount,
		AccountRef:     "7",
	}
}

func TestReconcileDeposit_CreditsAccount(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	obs := &recordingObserver{}
	r := NewReconciler(ledger, accounts, obs)

	entry, err := r.ReconcileDeposit(context.Background(), completedEvent("tx1", 500))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, entry.Status)
	assert.Equal(t, int64(500), entry.Amount)
	assert.Equal(t, domain.KindDeposit, entry.Kind)
	assert.Equal(t, "tx1", entry.ExternalID)
	assert.NotZero(t, entry.ID)
	assert.Equal(t, int64(500), accounts.balance(7))

	o := obs.last()
	assert.NoError(t, o.Err)
	assert.False(t, o.Duplicate)
	assert.Equal(t, "tx1", o.ExternalID)
}

func TestReconcileDeposit_ReplayReturnsStoredEntry(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	obs := &recordingObserver{}
	r := NewReconciler(ledger, accounts, obs)

	first, err := r.ReconcileDeposit(context.Background(), completedEvent("tx1", 500))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := r.ReconcileDeposit(context.Background(), completedEvent("tx1", 500))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Reference, again.Reference)
	}

	assert.Equal(t, int64(500), accounts.balance(7), "replay must not change the balance")
	assert.Equal(t, 1, ledger.count())
	assert.True(t, obs.last().Duplicate)
}

func TestReconcileWithdrawal_DebitsAccount(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007", Balance: 500})
	r := NewReconciler(ledger, accounts, NopObserver{})

	ev := completedEvent("tx2", 200)
	entry, err := r.ReconcileWithdrawal(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, domain.KindWithdrawal, entry.Kind)
	assert.Equal(t, domain.StatusCompleted, entry.Status)
	assert.Equal(t, int64(300), accounts.balance(7))
}

func TestReconcileWithdrawal_InsufficientFundsRecordsFailedEntry(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007", Balance: 500})
	obs := &recordingObserver{}
	r := NewReconciler(ledger, accounts, obs)

	entry, err := r.ReconcileWithdrawal(context.Background(), completedEvent("tx3", 700))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.NotNil(t, entry)
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, int64(700), entry.Amount)
	assert.Equal(t, int64(500), accounts.balance(7), "balance must be untouched")

	stored, ferr := ledger.FindByExternalID(context.Background(), "tx3")
	require.NoError(t, ferr)
	assert.Equal(t, domain.StatusFailed, stored.Status, "the failed attempt must be durable")

	o := obs.last()
	assert.ErrorIs(t, o.Err, ErrInsufficientFunds)
	assert.Equal(t, domain.StatusFailed, o.Status)
}

func TestReconcileWithdrawal_FailedEntryIsTerminal(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007", Balance: 500})
	r := NewReconciler(ledger, accounts, NopObserver{})

	_, err := r.ReconcileWithdrawal(context.Background(), completedEvent("tx3", 700))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Top up, then redeliver: the guard returns the failed entry instead of
	// re-running the balance check.
	require.NoError(t, accounts.ApplyDelta(context.Background(), 7, 1000))
	entry, err := r.ReconcileWithdrawal(context.Background(), completedEvent("tx3", 700))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, entry.Status)
	assert.Equal(t, int64(1500), accounts.balance(7))
}

func TestReconcile_InvalidEventBeforeStoreAccess(t *testing.T) {
	cases := []struct {
		name string
		ev   domain.CanonicalEvent
	}{
		{"missing external id", domain.CanonicalEvent{ProviderStatus: "completed", AccountRef: "7"}},
		{"missing status", domain.CanonicalEvent{ExternalID: "tx4", AccountRef: "7"}},
		{"missing account hint", domain.CanonicalEvent{ExternalID: "tx4", ProviderStatus: "completed"}},
		{"unknown status", domain.CanonicalEvent{ExternalID: "tx4", ProviderStatus: "reversed", AccountRef: "7"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newFakeLedger()
			accounts := newFakeAccounts(testAccount())
			r := NewReconciler(ledger, accounts, NopObserver{})

			_, err := r.ReconcileDeposit(context.Background(), tc.ev)
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Zero(t, ledger.finds, "no ledger access on invalid input")
			assert.Zero(t, ledger.inserts)
			assert.Zero(t, accounts.finds)
			assert.Zero(t, accounts.deltas)
		})
	}
}

func TestReconcile_AccountNotFound(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts()
	r := NewReconciler(ledger, accounts, NopObserver{})

	ev := domain.CanonicalEvent{ExternalID: "tx5", ProviderStatus: "completed", AccountRef: "99", Phone: "+254700000099", Amount: 100}
	_, err := r.ReconcileDeposit(context.Background(), ev)
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.Contains(t, err.Error(), "tx5")
	assert.Zero(t, ledger.inserts)
}

func TestReconcile_PhoneFallback(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007"})
	r := NewReconciler(ledger, accounts, NopObserver{})

	ev := domain.CanonicalEvent{ExternalID: "tx6", ProviderStatus: "completed", Phone: "+254700000007", Amount: 100}
	entry, err := r.ReconcileDeposit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.AccountID)
	assert.Equal(t, int64(100), accounts.balance(7))
}

func TestReconcile_NonCompletedStatusSkipsBalance(t *testing.T) {
	for _, status := range []string{"PENDING", "failed", "Cancelled"} {
		t.Run(status, func(t *testing.T) {
			ledger := newFakeLedger()
			accounts := newFakeAccounts(testAccount())
			r := NewReconciler(ledger, accounts, NopObserver{})

			ev := completedEvent("tx-"+status, 500)
			ev.ProviderStatus = status
			entry, err := r.ReconcileDeposit(context.Background(), ev)
			require.NoError(t, err)

			want, _ := domain.ParseStatus(status)
			assert.Equal(t, want, entry.Status)
			assert.Zero(t, accounts.balance(7))
			assert.Zero(t, accounts.deltas)
		})
	}
}

func TestReconcile_NegativeAmountClampsToZero(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	r := NewReconciler(ledger, accounts, NopObserver{})

	entry, err := r.ReconcileDeposit(context.Background(), completedEvent("tx7", -250))
	require.NoError(t, err)
	assert.Zero(t, entry.Amount)
	assert.Zero(t, accounts.balance(7))
	assert.Zero(t, accounts.deltas, "a zero amount has no balance effect")
}

func TestReconcile_StoreUnavailableIsClassified(t *testing.T) {
	ledger := newFakeLedger()
	ledger.findErr = errors.New("connection reset")
	accounts := newFakeAccounts(testAccount())
	r := NewReconciler(ledger, accounts, NopObserver{})

	_, err := r.ReconcileDeposit(context.Background(), completedEvent("tx8", 100))
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestReconcile_InsertRaceCompensatesAndReturnsWinner(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	obs := &recordingObserver{}
	r := NewReconciler(ledger, accounts, obs)

	winner := domain.LedgerEntry{
		ID: 42, AccountID: 7, Kind: domain.KindDeposit, Amount: 500,
		Status: domain.StatusCompleted, ExternalID: "tx9", Reference: "deposit-tx9-1",
	}
	ledger.insertHook = func(e *domain.LedgerEntry) error {
		// Another delivery commits between our guard check and our insert.
		ledger.put(winner)
		return ErrDuplicateExternalID
	}

	entry, err := r.ReconcileDeposit(context.Background(), completedEvent("tx9", 500))
	require.NoError(t, err, "losing the race is the success path")
	assert.Equal(t, int64(42), entry.ID)
	assert.Zero(t, accounts.balance(7), "the applied credit must be reversed")
	assert.True(t, obs.last().Duplicate)
	assert.Zero(t, obs.compFails)
}

func TestReconcile_DuplicateReference(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	r := NewReconciler(ledger, accounts, NopObserver{})

	ledger.insertHook = func(e *domain.LedgerEntry) error {
		return ErrDuplicateReference
	}
	_, err := r.ReconcileDeposit(context.Background(), completedEvent("tx10", 500))
	require.ErrorIs(t, err, ErrDuplicateReference)
	assert.Zero(t, accounts.balance(7), "the applied credit must be reversed")
}

func TestReconcile_ExactlyOnceUnderConcurrentRedelivery(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(testAccount())
	r := NewReconciler(ledger, accounts, NopObserver{})

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ReconcileDeposit(context.Background(), completedEvent("tx11", 500))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	assert.Equal(t, 1, ledger.count(), "exactly one entry across all calls")
	assert.Equal(t, int64(500), accounts.balance(7), "the credit applies exactly once")
}

func TestConcurrentWithdrawals_NeverDriveBalanceNegative(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007", Balance: 500})
	r := NewReconciler(ledger, accounts, NopObserver{})

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ReconcileWithdrawal(context.Background(), completedEvent(fmt.Sprintf("wd-%d", i), 200))
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 2, succeeded, "500 covers exactly two 200-unit withdrawals")
	assert.Equal(t, workers-2, insufficient)
	assert.Equal(t, int64(100), accounts.balance(7))
	assert.GreaterOrEqual(t, accounts.balance(7), int64(0))
	assert.Equal(t, workers, ledger.count(), "every attempt leaves an audit entry")
}

func TestBalanceInvariant_ReplayableFromLedger(t *testing.T) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts(domain.Account{ID: 7, Phone: "+254700000007", Balance: 1000})
	r := NewReconciler(ledger, accounts, NopObserver{})
	ctx := context.Background()

	events := []struct {
		kind   domain.TransactionKind
		id     string
		status string
		amount int64
	}{
		{domain.KindDeposit, "e1", "completed", 300},
		{domain.KindWithdrawal, "e2", "completed", 150},
		{domain.KindDeposit, "e3", "pending", 900},
		{domain.KindDeposit, "e1", "completed", 300}, // redelivery
		{domain.KindWithdrawal, "e4", "cancelled", 75},
		{domain.KindWithdrawal, "e5", "completed", 5000}, // insufficient
	}
	for _, ev := range events {
		e := completedEvent(ev.id, ev.amount)
		e.ProviderStatus = ev.status
		if ev.kind == domain.KindDeposit {
			r.ReconcileDeposit(ctx, e)
		} else {
			r.ReconcileWithdrawal(ctx, e)
		}
	}

	var replayed int64
	ledger.mu.Lock()
	for _, e := range ledger.entries {
		if e.Status != domain.StatusCompleted {
			continue
		}
		if e.Kind == domain.KindDeposit {
			replayed += e.Amount
		} else {
			replayed -= e.Amount
		}
	}
	ledger.mu.Unlock()

	assert.Equal(t, int64(1000)+replayed, accounts.balance(7),
		"balance must equal opening balance plus completed ledger deltas")
}
