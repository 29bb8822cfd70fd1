package persistence

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// InvocationSource is implemented by *SnapshotManager.
type InvocationSource interface {
	LoadInvocationsFrom(ctx context.Context, fromSequence int64, limit int) ([]InvocationRow, error)
}

// Replayer is implemented by *core.Executor.
type Replayer interface {
	Replay(ctx context.Context, tx *core.Transaction, want core.Hash) (*core.Receipt, error)
}

const replayBatchSize = 1000

// ReplayInvocations re-executes the invocation log from fromSequence and
// returns how many invocations were applied. Every row must reproduce its
// logged sequence and state hash; a gap, an unparseable payload or a hash
// mismatch stops recovery.
func ReplayInvocations(
	ctx context.Context,
	src InvocationSource,
	exec Replayer,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	var total int64

	for {
		rows, err := src.LoadInvocationsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load invocations from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if row.Sequence != fromSequence {
				return total, fmt.Errorf("%w: gap in invocation log at %d (found %d)", core.ErrReplayDiverged, fromSequence, row.Sequence)
			}

			tx, err := ingestion.ParseTransaction(row.Payload, "replay", row.Timestamp)
			if err != nil {
				return total, fmt.Errorf("parse invocation %d: %w", row.Sequence, err)
			}

			var want core.Hash
			if len(row.StateHash) != len(want) {
				return total, fmt.Errorf("invocation %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
			}
			copy(want[:], row.StateHash)

			receipt, err := exec.Replay(ctx, tx, want)
			if err != nil {
				return total, fmt.Errorf("replay invocation %d: %w", row.Sequence, err)
			}
			if receipt.Sequence != row.Sequence {
				return total, fmt.Errorf("%w: invocation %d replayed at sequence %d", core.ErrReplayDiverged, row.Sequence, receipt.Sequence)
			}

			total++
			fromSequence++
		}

		logger.Debug().Int64("next_sequence", fromSequence).Int64("replayed", total).Msg("replay batch applied")
	}

	return total, nil
}
