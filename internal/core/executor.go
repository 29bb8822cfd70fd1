package core

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/observability"
	"CustodyBank/internal/runtime"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	StartSequence int64
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	// PersistChan receives every output with a blocking send.
	PersistChan chan<- Output
	// PublishChan receives outputs on a best-effort basis; full means drop.
	PublishChan chan<- Output

	// Clock stamps receipts and journals. Defaults to time.Now.
	Clock func() time.Time
}

// Executor runs program invocations against the ledger. Invocations whose
// writable account sets are disjoint run concurrently; sequence assignment,
// commit and the state-hash chain are serialised.
type Executor struct {
	ledger      *ledger.Ledger
	locker      *AccountLocker
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	clock       func() time.Time

	persistChan chan<- Output
	publishChan chan<- Output

	programsMu sync.RWMutex
	programs   map[address.Address]runtime.Program

	chainMu           sync.Mutex
	sequence          int64
	hasher            *StateHasher
	reportedEvictions int64
	reportedTier2     int64
}

func NewExecutor(l *ledger.Ledger, cfg Config) *Executor {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Executor{
		ledger:      l,
		locker:      NewAccountLocker(),
		idempotency: NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
		programs:    make(map[address.Address]runtime.Program),
		sequence:    cfg.StartSequence,
		hasher:      NewStateHasher(),
	}
}

// Register deploys program at programID.
func (e *Executor) Register(programID address.Address, program runtime.Program) {
	e.programsMu.Lock()
	defer e.programsMu.Unlock()
	e.programs[programID] = program
}

func (e *Executor) program(programID address.Address) (runtime.Program, bool) {
	e.programsMu.RLock()
	defer e.programsMu.RUnlock()
	p, ok := e.programs[programID]
	return p, ok
}

// Execute runs one transaction to completion. A program failure yields a
// receipt with StatusFailed and a nil error; errors are reserved for
// transactions that were not executed (invalid, duplicate, cancelled) and
// for ledger invariant violations.
func (e *Executor) Execute(ctx context.Context, tx *Transaction) (*Receipt, error) {
	return e.execute(ctx, tx, false)
}

// Replay re-executes a logged transaction during recovery. It skips the
// Postgres dedup tier, emits nothing, and fails if the resulting state hash
// differs from want.
func (e *Executor) Replay(ctx context.Context, tx *Transaction, want Hash) (*Receipt, error) {
	receipt, err := e.execute(ctx, tx, true)
	if err != nil {
		return nil, err
	}
	if receipt.StateHash != want {
		return receipt, fmt.Errorf("%w: sequence %d: got %s, want %s", ErrReplayDiverged, receipt.Sequence, receipt.StateHash, want)
	}
	return receipt, nil
}

func (e *Executor) execute(ctx context.Context, tx *Transaction, replay bool) (*Receipt, error) {
	start := time.Now()

	if err := tx.Validate(); err != nil {
		e.reject("invalid")
		return nil, err
	}

	// Step 1: Idempotency claim
	key := tx.ID.String()
	claim := e.idempotency.Claim
	if replay {
		claim = e.idempotency.ClaimLocal
	}
	if ok, tier := claim(ctx, key); !ok {
		e.reject("duplicate")
		if e.metrics != nil {
			e.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicate, key, tier)
	}
	sealed := false
	defer func() {
		if !sealed {
			e.idempotency.Release(key)
		}
	}()

	// Step 2: Account locks
	unlock, err := e.locker.Lock(ctx, tx.writableKeys())
	if err != nil {
		e.reject("cancelled")
		return nil, fmt.Errorf("acquire account locks: %w", err)
	}
	defer unlock()
	if e.metrics != nil {
		e.metrics.CoreLockWait.Observe(time.Since(start).Seconds())
	}

	// Step 3: Stage and run
	txn := e.ledger.Begin(key, tx.ProgramID, tx.Accounts)
	runErr := e.run(txn, tx)

	// Steps 4-5: Commit or roll back, chain, emit
	receipt, err := e.seal(tx, txn, runErr, !replay)
	if err != nil {
		e.reject("invariant")
		e.logger.Error().Err(err).Str("tx_id", key).Msg("commit rejected")
		return nil, err
	}
	sealed = true

	if receipt.Status == StatusFailed {
		e.logger.Info().
			Str("tx_id", key).
			Int64("sequence", receipt.Sequence).
			Uint64("error_code", receipt.ErrorCode).
			Str("error", receipt.ErrorMessage).
			Msg("transaction failed")
	} else {
		e.logger.Debug().
			Str("tx_id", key).
			Int64("sequence", receipt.Sequence).
			Str("outcome", receipt.Outcome.String()).
			Msg("transaction applied")
	}

	if e.metrics != nil {
		outcome := receipt.Outcome.String()
		e.metrics.CoreTxApplied.WithLabelValues(outcome).Inc()
		e.metrics.CoreTxDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		if !tx.ReceivedAt.IsZero() {
			e.metrics.IngestToApply.WithLabelValues(sourceLabel(tx.Source)).Observe(time.Since(tx.ReceivedAt).Seconds())
		}
		for _, j := range receipt.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	return receipt, nil
}

func (e *Executor) run(txn *ledger.Txn, tx *Transaction) (err error) {
	program, ok := e.program(tx.ProgramID)
	if !ok {
		return fmt.Errorf("%w: no program deployed at %s", runtime.ErrIncorrectProgramID, tx.ProgramID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &runtime.ProgramError{
				Kind:    runtime.KindUnknown,
				Message: fmt.Sprintf("program panicked: %v", r),
			}
		}
	}()

	return program.Process(txn, tx.ProgramID, txn.AccountInfos(), tx.Data)
}

// classify asks the program to name the outcome of a successful tx.
func (e *Executor) classify(tx *Transaction) Outcome {
	program, _ := e.program(tx.ProgramID)
	namer, ok := program.(runtime.OutcomeNamer)
	if !ok {
		return OutcomeCompleted
	}
	var o Outcome
	if err := o.UnmarshalText([]byte(namer.OutcomeName(tx.Data))); err != nil || o == OutcomeFailed {
		return OutcomeCompleted
	}
	return o
}

// seal assigns the sequence number, commits or rolls back, extends the
// hash chain and emits the output.
func (e *Executor) seal(tx *Transaction, txn *ledger.Txn, runErr error, emit bool) (*Receipt, error) {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	seq := e.sequence
	now := e.clock()

	receipt := &Receipt{
		TxID:      tx.ID,
		Sequence:  seq,
		ProgramID: tx.ProgramID,
		Timestamp: now.UnixMicro(),
	}

	var batch *ledger.Batch
	if runErr != nil {
		txn.Rollback()
		receipt.Status = StatusFailed
		receipt.Outcome = OutcomeFailed
		receipt.ErrorCode = runtime.Code(runErr)
		receipt.ErrorMessage = runErr.Error()
	} else {
		b, err := txn.Commit(seq, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		batch = b
		receipt.Status = StatusSucceeded
		receipt.Outcome = e.classify(tx)
		receipt.Journals = b.Journals
	}

	hashStart := time.Now()
	receipt.PrevHash = e.hasher.GetPrevHash()
	receipt.StateHash = e.hasher.ComputeHash(seq, e.computeStateDigest(receipt, batch))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	e.sequence++
	e.idempotency.MarkProcessed(tx.ID.String())
	e.reportChain()

	if emit {
		e.emit(Output{Transaction: tx, Receipt: receipt, Batch: batch})
	}
	return receipt, nil
}

func (e *Executor) emit(out Output) {
	// Persistence: blocking send. The executor stalls until the worker
	// drains so no receipt is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	// Publishing: non-blocking send, drop on full.
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// reportChain updates sequence and dedup gauges. Caller holds chainMu.
func (e *Executor) reportChain() {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreSequence.Set(float64(e.sequence))
	stats := e.idempotency.Stats()
	e.metrics.DedupLRUSize.Set(float64(stats.Size))
	if delta := stats.Evictions - e.reportedEvictions; delta > 0 {
		e.metrics.DedupLRUEvictions.Add(float64(delta))
		e.reportedEvictions = stats.Evictions
	}
	if delta := stats.Tier2Errors - e.reportedTier2; delta > 0 {
		e.metrics.DedupTier2Errors.Add(float64(delta))
		e.reportedTier2 = stats.Tier2Errors
	}
}

func (e *Executor) reject(reason string) {
	if e.metrics != nil {
		e.metrics.CoreTxRejected.WithLabelValues(reason).Inc()
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

// computeStateDigest creates canonical bytes for the state hash: the
// receipt header followed by the post-state of every touched token
// account, ordered by key.
func (e *Executor) computeStateDigest(receipt *Receipt, batch *ledger.Batch) []byte {
	touched := make(map[address.Address]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			touched[j.Account] = true
			if !j.Counterparty.IsZero() {
				touched[j.Counterparty] = true
			}
		}
	}

	keys := make([]address.Address, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	digest := make([]byte, 0, 16+1+8+len(keys)*72)
	digest = append(digest, receipt.TxID[:]...)
	digest = append(digest, byte(receipt.Status))
	digest = binary.LittleEndian.AppendUint64(digest, receipt.ErrorCode)

	for _, key := range keys {
		acc, ok := e.ledger.Get(key)
		if !ok || !acc.IsToken() {
			continue
		}
		digest = append(digest, key[:]...)
		digest = append(digest, acc.Token.Authority[:]...)
		digest = binary.LittleEndian.AppendUint64(digest, acc.Token.Amount)
	}

	return digest
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"` // last applied
	StateHash       Hash             `json:"state_hash"`
	Accounts        []ledger.Account `json:"accounts"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// RestoreFromSnapshot replaces the ledger state and resumes the chain.
func (e *Executor) RestoreFromSnapshot(snap *SnapshotState) error {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	if err := e.ledger.Restore(snap.Accounts); err != nil {
		return err
	}
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.idempotency.Warm(snap.IdempotencyKeys)
	e.reportChain()
	return nil
}

// CreateSnapshotState captures a consistent view between two commits.
func (e *Executor) CreateSnapshotState() *SnapshotState {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Accounts:        e.ledger.Accounts(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// WarmLRU loads recent transaction ids into the LRU cache.
func (e *Executor) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}

// GetSequence returns the next sequence number to assign.
func (e *Executor) GetSequence() int64 {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Executor) GetStateHash() Hash {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()
	return e.hasher.GetPrevHash()
}

// Ledger exposes the underlying ledger for reads.
func (e *Executor) Ledger() *ledger.Ledger {
	return e.ledger
}
