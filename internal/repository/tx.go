package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// TxRunner executes a function inside a single database transaction while
// holding per-group advisory locks. All capacity-affecting operations for a
// group go through it, so the capacity read and the subsequent write cannot
// interleave with another admission, promotion or withdrawal on the same
// group. Operations on different groups proceed in parallel.
type TxRunner struct {
	db *sqlx.DB
}

// NewTxRunner constructs a TxRunner.
func NewTxRunner(db *sqlx.DB) *TxRunner {
	return &TxRunner{db: db}
}

// RunGroupTx runs fn inside a transaction holding the advisory lock for the
// given group.
func (t *TxRunner) RunGroupTx(ctx context.Context, groupID string, fn func(tx *sqlx.Tx) error) error {
	return t.RunGroupsTx(ctx, []string{groupID}, fn)
}

// RunGroupsTx runs fn inside a transaction holding advisory locks for every
// listed group. Locks are taken in sorted order so two transactions touching
// the same pair of groups cannot deadlock.
func (t *TxRunner) RunGroupsTx(ctx context.Context, groupIDs []string, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, groupID := range sortedUnique(groupIDs) {
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, groupID); err != nil {
			return fmt.Errorf("acquire group lock %s: %w", groupID, err)
		}
	}

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit group transaction: %w", err)
	}
	return nil
}

// ext lets repository methods run either on an explicit transaction or,
// when q is nil, directly on the pool.
func ext(q sqlx.ExtContext, db *sqlx.DB) sqlx.ExtContext {
	if q == nil {
		return db
	}
	return q
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
