package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sethuramanv/payrecon/internal/domain"
	"github.com/sethuramanv/payrecon/internal/service"
)

const uniqueViolation = "23505"

// Store implements the ledger and account collaborator contracts on Postgres.
type Store struct {
	Db *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

const entryColumns = "id, account_id, kind, amount, status, external_id, COALESCE(external_ref_id, ''), reference, description, created_at"

// FindByExternalID retrieves the ledger entry recorded for a provider
// transaction id, or service.ErrNotFound when none exists.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*domain.LedgerEntry, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE external_id = $1", externalID)
	return scanEntry(row)
}

// Insert persists a new ledger entry. Unique-constraint conflicts are
// classified by constraint name so the service can tell a replayed external id
// from a reference collision.
func (s *Store) Insert(ctx context.Context, entry *domain.LedgerEntry) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount, status, external_id, external_ref_id, reference, description)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		 RETURNING id, created_at`,
		entry.AccountID, entry.Kind, entry.Amount, entry.Status,
		entry.ExternalID, entry.ExternalRefID, entry.Reference, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return classifyInsertErr(err)
	}
	return nil
}

func classifyInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch {
		case strings.Contains(pgErr.ConstraintName, "reference"):
			return fmt.Errorf("%w: %s", service.ErrDuplicateReference, pgErr.ConstraintName)
		default:
			// external_id and external_ref_id both identify the same
			// real-world event.
			return fmt.Errorf("%w: %s", service.ErrDuplicateExternalID, pgErr.ConstraintName)
		}
	}
	return err
}

// FindByIDOrPhone resolves an account from an id fragment, falling back to the
// phone fragment when the id is absent or does not resolve.
func (s *Store) FindByIDOrPhone(ctx context.Context, accountRef, phone string) (*domain.Account, error) {
	if id, perr := strconv.ParseInt(strings.TrimSpace(accountRef), 10, 64); perr == nil {
		acct, err := s.findAccount(ctx, "id = $1", id)
		if err == nil || !errors.Is(err, service.ErrNotFound) {
			return acct, err
		}
	}
	if phone != "" {
		return s.findAccount(ctx, "phone = $1", phone)
	}
	return nil, service.ErrNotFound
}

func (s *Store) findAccount(ctx context.Context, where string, arg any) (*domain.Account, error) {
	var acct domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, phone, balance, created_at FROM accounts WHERE "+where, arg,
	).Scan(&acct.ID, &acct.Phone, &acct.Balance, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// ApplyDelta adjusts a balance in one conditional statement. The sufficiency
// check and the decrement are the same UPDATE, so concurrent withdrawals can
// never both pass against a stale read.
func (s *Store) ApplyDelta(ctx context.Context, accountID, delta int64) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0",
		delta, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %d delta %d", service.ErrBalanceConstraint, accountID, delta)
	}
	return nil
}

// CreateAccount provisions an account with an opening balance. Used by the
// onboarding path and the seeder, not by reconciliation.
func (s *Store) CreateAccount(ctx context.Context, phone string, balance int64) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		"INSERT INTO accounts (phone, balance) VALUES ($1, $2) RETURNING id", phone, balance).Scan(&id)
	return id, err
}

// GetAccount retrieves a single account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.findAccount(ctx, "id = $1", id)
}

// GetEntries lists the ledger entries recorded for an account, newest first.
func (s *Store) GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, service.ErrNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// SumCompletedDeltas recomputes the balance an account should hold from its
// completed entries alone. Audit hook for the replay invariant.
func (s *Store) SumCompletedDeltas(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := s.Db.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries WHERE account_id = $1 AND status = 'completed'`,
		accountID).Scan(&sum)
	return sum, err
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.Status,
		&e.ExternalID, &e.ExternalRefID, &e.Reference, &e.Description, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
