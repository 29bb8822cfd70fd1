package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker answers the cold-path dedup lookup against
// the invocation log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether txID already has a row in custody.invocations.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, txID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx,
		`SELECT 1 FROM custody.invocations WHERE tx_id = $1 LIMIT 1`, txID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentTxIDs returns up to limit transaction ids, most recent first, for
// warming the LRU on a cold start without a snapshot.
func (pic *PostgresIdempotencyChecker) RecentTxIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx,
		`SELECT tx_id FROM custody.invocations ORDER BY sequence DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
