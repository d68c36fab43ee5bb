package postgres

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// Store implements store.Store on a pgx pool. Isolation is read committed;
// stock rows are serialized by the conditional UPDATE in AdjustStock alone.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Close() { s.DB.Close() }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pt, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return orders.Persistence("begin tx", err)
	}
	defer func() { _ = pt.Rollback(ctx) }()

	if err := fn(ctx, &tx{tx: pt}); err != nil {
		return err
	}
	if err := pt.Commit(ctx); err != nil {
		return orders.Persistence("commit", err)
	}
	return nil
}

type tx struct{ tx pgx.Tx }

var _ store.Tx = (*tx)(nil)

func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, orders.ErrNotFound)
	}
	return orders.Persistence(what, err)
}

// scanAll collects rows with fn; rows are always closed.
func scanAll[T any](rows pgx.Rows, err error, fn func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
