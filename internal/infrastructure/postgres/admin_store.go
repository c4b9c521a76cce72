package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/privacytap/dpquery/internal/domain"
)

// pgDuplicateKey is the Postgres error code for a unique-violation,
// used here to distinguish a duplicate insert from any other write
// failure.
const pgDuplicateKey = "23505"

// AdminStore is a Postgres-backed repository.AdminStore. Budget debits use
// an explicit version column compared-and-swapped in the UPDATE's WHERE
// clause, rather than FOR UPDATE SKIP LOCKED — unlike a claim, which a
// single worker owns exclusively, a budget row is read and contended by
// many concurrent requests, so optimistic CAS with bounded retry is the
// right match for the contention pattern.
type AdminStore struct {
	pool *pgxpool.Pool
}

func NewAdminStore(pool *pgxpool.Pool) *AdminStore {
	return &AdminStore{pool: pool}
}

func (s *AdminStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *AdminStore) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, may_query FROM users WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.MayQuery)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *AdminStore) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, may_query)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET may_query = EXCLUDED.may_query
	`, u.UserID, u.MayQuery)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *AdminStore) GetBudget(ctx context.Context, userID, datasetName string) (domain.BudgetEntry, error) {
	return scanBudget(s.pool.QueryRow(ctx, `
		SELECT user_id, dataset_name, initial_epsilon, initial_delta,
		       spent_epsilon, spent_delta, version
		FROM budget_entries WHERE user_id = $1 AND dataset_name = $2
	`, userID, datasetName))
}

func (s *AdminStore) ListBudgets(ctx context.Context, userID string) ([]domain.BudgetEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, dataset_name, initial_epsilon, initial_delta,
		       spent_epsilon, spent_delta, version
		FROM budget_entries WHERE user_id = $1
		ORDER BY dataset_name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []domain.BudgetEntry
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *AdminStore) SetBudget(ctx context.Context, entry domain.BudgetEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_entries
			(user_id, dataset_name, initial_epsilon, initial_delta, spent_epsilon, spent_delta, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (user_id, dataset_name) DO UPDATE SET
			initial_epsilon = EXCLUDED.initial_epsilon,
			initial_delta   = EXCLUDED.initial_delta,
			spent_epsilon   = EXCLUDED.spent_epsilon,
			spent_delta     = EXCLUDED.spent_delta,
			version         = budget_entries.version + 1
	`, entry.UserID, entry.DatasetName, entry.InitialEpsilon, entry.InitialDelta,
		entry.SpentEpsilon, entry.SpentDelta)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// DebitBudget is the single CAS attempt the admission loop retries. A
// zero-row UPDATE means the version moved under us; the caller re-reads
// and retries, bounded by config.BudgetCASMaxRetries.
func (s *AdminStore) DebitBudget(ctx context.Context, userID, datasetName string, epsilon, delta float64, expectedVersion int64) (domain.BudgetEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE budget_entries
		SET spent_epsilon = spent_epsilon + $3,
		    spent_delta   = spent_delta + $4,
		    version       = version + 1
		WHERE user_id = $1 AND dataset_name = $2 AND version = $5
		RETURNING user_id, dataset_name, initial_epsilon, initial_delta, spent_epsilon, spent_delta, version
	`, userID, datasetName, epsilon, delta, expectedVersion)

	b, err := scanBudget(row)
	// scanBudget reports a zero-row result as domain.ErrUserNotFound.
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, domain.ErrUserNotFound) {
		return domain.BudgetEntry{}, domain.ErrCASConflict
	}
	if err != nil {
		return domain.BudgetEntry{}, fmt.Errorf("debit budget: %w", err)
	}
	return b, nil
}

func (s *AdminStore) CreditBudget(ctx context.Context, userID, datasetName string, epsilon, delta float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE budget_entries
		SET spent_epsilon = GREATEST(0, spent_epsilon - $3),
		    spent_delta   = GREATEST(0, spent_delta - $4),
		    version       = version + 1
		WHERE user_id = $1 AND dataset_name = $2
	`, userID, datasetName, epsilon, delta)
	if err != nil {
		return fmt.Errorf("credit budget: %w", err)
	}
	return nil
}

func (s *AdminStore) AppendArchive(ctx context.Context, a domain.Archive) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queries_archives
			(job_id, user_id, dataset_name, library_tag, payload_hash,
			 measured_epsilon, measured_delta, status, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.JobID, a.UserID, a.DatasetName, string(a.LibraryTag), a.PayloadHash,
		a.MeasuredEpsilon, a.MeasuredDelta, string(a.Status), a.SubmittedAt, a.CompletedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKey {
		return nil // at-least-once redelivery of the same job_id is not an error here
	}
	if err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	return nil
}

func (s *AdminStore) ListArchives(ctx context.Context, userID, datasetName string) ([]domain.Archive, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, user_id, dataset_name, library_tag, payload_hash,
		       measured_epsilon, measured_delta, status, submitted_at, completed_at
		FROM queries_archives
		WHERE user_id = $1 AND ($2 = '' OR dataset_name = $2)
		ORDER BY submitted_at DESC
	`, userID, datasetName)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []domain.Archive
	for rows.Next() {
		var a domain.Archive
		var tag, status string
		if err := rows.Scan(&a.JobID, &a.UserID, &a.DatasetName, &tag, &a.PayloadHash,
			&a.MeasuredEpsilon, &a.MeasuredDelta, &status, &a.SubmittedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		a.LibraryTag = domain.LibraryTag(tag)
		a.Status = domain.Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, mirroring the
// teacher's job_repo.go scanJob helper.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBudget(row rowScanner) (domain.BudgetEntry, error) {
	var b domain.BudgetEntry
	err := row.Scan(&b.UserID, &b.DatasetName, &b.InitialEpsilon, &b.InitialDelta,
		&b.SpentEpsilon, &b.SpentDelta, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BudgetEntry{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.BudgetEntry{}, fmt.Errorf("scan budget: %w", err)
	}
	return b, nil
}
