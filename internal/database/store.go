package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store groups the repositories over one Querier. A Store returned to a
// WithTx callback is bound to that transaction.
type Store struct {
	db   *DB
	q    Querier
	inTx bool

	Sources  *SourceRepository
	Runs     *RunRepository
	Items    *ItemRepository
	Contents *ContentRepository
	Audit    *AuditRepository
}

func NewStore(db *DB) *Store {
	return newStore(db, db.DB, false)
}

func newStore(db *DB, q Querier, inTx bool) *Store {
	return &Store{
		db:       db,
		q:        q,
		inTx:     inTx,
		Sources:  &SourceRepository{q: q},
		Runs:     &RunRepository{q: q},
		Items:    &ItemRepository{q: q},
		Contents: &ContentRepository{q: q},
		Audit:    &AuditRepository{q: q},
	}
}

// Querier exposes the underlying handle so other packages (the job queue)
// can join the same transaction.
func (s *Store) Querier() Querier {
	return s.q
}

func (s *Store) DB() *DB {
	return s.db
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(newStore(s.db, sqlTx, true)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

// utc normalises timestamps so stored values compare correctly as text.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
