package persistence

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds every ledger account, the last applied sequence, the
// chain tip and the recent transaction ids.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// SnapshotData is the stored form of a snapshot.
type SnapshotData struct {
	core.SnapshotState
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotSource is implemented by *core.Executor.
type SnapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
// Saving the same sequence twice overwrites the earlier row.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO custody.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// Take captures src and saves it as a verified snapshot. The state is
// taken from the live executor between two commits, so it is trusted
// without a replay check.
func (sm *SnapshotManager) Take(ctx context.Context, src SnapshotSource) (*SnapshotData, error) {
	start := time.Now()

	snap := &SnapshotData{
		SnapshotState: *src.CreateSnapshotState(),
		CreatedAt:     start.UTC(),
	}
	size, err := sm.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return nil, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(size))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when none exists (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM custody.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format version %d", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE custody.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadInvocationsFrom loads up to limit invocations starting at
// fromSequence, in sequence order.
func (sm *SnapshotManager) LoadInvocationsFrom(ctx context.Context, fromSequence int64, limit int) ([]InvocationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, tx_id, program_id, status, outcome, error_code, error_message,
		       payload, state_hash, prev_hash, timestamp
		FROM custody.invocations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InvocationRow
	for rows.Next() {
		var r InvocationRow
		if err := rows.Scan(
			&r.Sequence, &r.TxID, &r.ProgramID, &r.Status, &r.Outcome, &r.ErrorCode, &r.ErrorMessage,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the invocation log,
// or -1 if the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM custody.invocations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
