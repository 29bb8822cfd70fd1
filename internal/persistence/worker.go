package persistence

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrLogGap is reported when a sealed invocation cannot be written. The log
// then misses that sequence and recovery would refuse it.
var ErrLogGap = errors.New("invocation log gap")

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The executor sends on that channel with a blocking send, so if this worker
// falls behind the executor stalls and no invocation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *InvocationLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	errs   chan error
	halted bool
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       &InvocationLogWriter{},
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
		errs:         make(chan error, 1),
	}
}

// Err reports a fatal condition found while running, at most once. It is
// closed when Run returns.
func (pw *PersistenceWorker) Err() <-chan error {
	return pw.errs
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
// After an ErrLogGap the worker keeps draining the channel without writing,
// so the executor never blocks on it.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	defer close(pw.errs)
	invocations := make([]InvocationRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	reset := func() {
		invocations = invocations[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			if len(invocations) > 0 {
				if err := pw.flush(context.Background(), invocations, journals); err != nil {
					pw.logger.Error().Err(err).Int("invocations", len(invocations)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(invocations) > 0 {
					if err := pw.flush(context.Background(), invocations, journals); err != nil {
						pw.logger.Error().Err(err).Int("invocations", len(invocations)).Msg("final flush failed")
					}
				}
				return nil
			}

			if pw.halted {
				pw.countError("halted")
				continue
			}

			inv, js, err := RowsFromOutput(output)
			if err != nil {
				pw.countError("encode")
				seq := int64(-1)
				if output.Receipt != nil {
					seq = output.Receipt.Sequence
				}
				pw.halt(ctx, invocations, journals, fmt.Errorf("%w: sequence %d: %v", ErrLogGap, seq, err))
				reset()
				continue
			}
			invocations = append(invocations, inv)
			journals = append(journals, js...)

			if len(invocations) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, invocations, journals); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(invocations) > 0 {
				if err := pw.flushWithRetry(ctx, invocations, journals); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// halt writes what was batched before the gap and stops further writes.
func (pw *PersistenceWorker) halt(ctx context.Context, invocations []InvocationRow, journals []JournalRow, cause error) {
	if len(invocations) > 0 {
		if err := pw.flushWithRetry(ctx, invocations, journals); err != nil {
			pw.logger.Error().Err(err).Msg("flush before halt failed")
		}
	}
	pw.halted = true
	pw.logger.Error().Err(cause).Msg("persistence halted")
	select {
	case pw.errs <- cause:
	default:
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation one last attempt is made without a
// deadline so the batch is not lost on shutdown.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, invocations []InvocationRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("invocations", len(invocations)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), invocations, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, invocations, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes invocations and journals in a single transaction. Journals
// reference invocations, so invocations go first.
func (pw *PersistenceWorker) flush(ctx context.Context, invocations []InvocationRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteInvocationBatch(ctx, tx, invocations); err != nil {
		pw.countError("write_invocations")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(invocations)))
		pw.metrics.PersistInvocationsWritten.Add(float64(len(invocations)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(invocations[len(invocations)-1].Sequence))
	}

	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
