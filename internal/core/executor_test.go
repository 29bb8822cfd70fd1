package core_test

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/observability"
	"CustodyBank/internal/runtime"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

func key(b byte) address.Address {
	var a address.Address
	a[0] = b
	a[31] = 0xc5
	return a
}

var (
	programID    = key(1)
	receiverKey  = key(2)
	depositKey   = key(3)
	payerKey     = key(4)
	recipientKey = key(5)
	ownerKey     = key(6)
)

func exempt() uint64 {
	return runtime.DefaultRent.MinimumBalance(ledger.TokenAccountLen)
}

func fixedClock() time.Time {
	return time.UnixMicro(1_700_000_000_000_000)
}

type testEnv struct {
	ledger  *ledger.Ledger
	exec    *core.Executor
	persist chan core.Output
	publish chan core.Output
	custody address.Address
	metrics *observability.Metrics
}

// newTestEnv funds a 12-unit wrapped-native account owned by the payer and
// an empty recipient account.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	l := ledger.NewLedger(runtime.DefaultRent)
	for _, acc := range []ledger.Account{
		ledger.NewTokenAccount(depositKey, address.NativeMint, payerKey, 12, exempt()),
		ledger.NewTokenAccount(recipientKey, address.NativeMint, ownerKey, 0, exempt()),
	} {
		if err := l.Put(acc); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persist := make(chan core.Output, 1024)
	publish := make(chan core.Output, 1024)
	exec := core.NewExecutor(l, core.Config{
		LRUCapacity: 1024,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
		PersistChan: persist,
		PublishChan: publish,
		Clock:       fixedClock,
	})
	exec.Register(programID, bank.NewProcessor(bank.DefaultConfig(), zerolog.Nop()))

	custody, _, err := address.FindProgramAddress([][]byte{[]byte(bank.DefaultCustodySeed)}, programID)
	if err != nil {
		t.Fatalf("derive custody: %v", err)
	}

	return &testEnv{ledger: l, exec: exec, persist: persist, publish: publish, custody: custody, metrics: metrics}
}

func (env *testEnv) deposit(id uuid.UUID, amount uint64) *core.Transaction {
	data, _ := bank.NewDeposit(amount, "")
	return &core.Transaction{
		ID:        id,
		ProgramID: programID,
		Accounts:  bank.DepositAccounts(receiverKey, depositKey, payerKey),
		Data:      data,
	}
}

func (env *testEnv) withdraw(id uuid.UUID, amount uint64) *core.Transaction {
	data, _ := bank.NewWithdraw(amount, "")
	return &core.Transaction{
		ID:        id,
		ProgramID: programID,
		Accounts:  bank.WithdrawAccounts(recipientKey, depositKey, env.custody),
		Data:      data,
	}
}

func (env *testEnv) mustExecute(t *testing.T, tx *core.Transaction) *core.Receipt {
	t.Helper()
	r, err := env.exec.Execute(context.Background(), tx)
	if err != nil {
		t.Fatalf("execute %s: %v", tx.ID, err)
	}
	return r
}

func (env *testEnv) token(t *testing.T, k address.Address) ledger.TokenState {
	t.Helper()
	acc, ok := env.ledger.Get(k)
	if !ok || acc.Token == nil {
		t.Fatalf("token account %s missing", k)
	}
	return *acc.Token
}

// ============================================================================
// Test: Deposit then withdraw
// ============================================================================

func TestExecutor_DepositThenWithdraw(t *testing.T) {
	env := newTestEnv(t)

	r1 := env.mustExecute(t, env.deposit(uuid.New(), 12))
	if r1.Status != core.StatusSucceeded || r1.Outcome != core.OutcomeDeposited {
		t.Fatalf("deposit: status=%s outcome=%s err=%s", r1.Status, r1.Outcome, r1.ErrorMessage)
	}
	if got := env.token(t, depositKey); got.Authority != env.custody || got.Amount != 12 {
		t.Errorf("after deposit: authority=%s amount=%d", got.Authority, got.Amount)
	}

	r2 := env.mustExecute(t, env.withdraw(uuid.New(), 11))
	if r2.Status != core.StatusSucceeded || r2.Outcome != core.OutcomeWithdrawn {
		t.Fatalf("withdraw: status=%s outcome=%s err=%s", r2.Status, r2.Outcome, r2.ErrorMessage)
	}
	if got := env.token(t, depositKey).Amount; got != 1 {
		t.Errorf("custody balance: got %d, want 1", got)
	}
	if got := env.token(t, recipientKey).Amount; got != 11 {
		t.Errorf("recipient balance: got %d, want 11", got)
	}

	if r1.Sequence != 0 || r2.Sequence != 1 {
		t.Errorf("sequences: got %d, %d", r1.Sequence, r2.Sequence)
	}
	if r2.PrevHash != r1.StateHash {
		t.Error("hash chain broken: r2.PrevHash != r1.StateHash")
	}
	if r1.Journals[0].JournalType != ledger.JournalTypeSetAuthority || r2.Journals[0].JournalType != ledger.JournalTypeTransfer {
		t.Error("unexpected journal types")
	}
	if r1.Timestamp != fixedClock().UnixMicro() {
		t.Errorf("timestamp not taken from clock: %d", r1.Timestamp)
	}

	if got := testutil.ToFloat64(env.metrics.CoreTxApplied.WithLabelValues("deposited")); got != 1 {
		t.Errorf("deposited counter: got %v", got)
	}
}

// ============================================================================
// Test: Failures produce receipts
// ============================================================================

func TestExecutor_FailedWithdrawLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.mustExecute(t, env.deposit(uuid.New(), 12))

	r := env.mustExecute(t, env.withdraw(uuid.New(), 13))
	if r.Status != core.StatusFailed || r.Outcome != core.OutcomeFailed {
		t.Fatalf("expected failure, got status=%s outcome=%s", r.Status, r.Outcome)
	}
	if r.ErrorCode != runtime.Code(runtime.ErrInsufficientFunds) {
		t.Errorf("error code: got %#x, want %#x", r.ErrorCode, runtime.Code(runtime.ErrInsufficientFunds))
	}
	if len(r.Journals) != 0 {
		t.Errorf("failed receipt carries journals: %v", r.Journals)
	}
	if got := env.token(t, depositKey); got.Amount != 12 || got.Authority != env.custody {
		t.Errorf("state changed by failed withdraw: %+v", got)
	}
	if r.Sequence != 1 {
		t.Errorf("failed transactions still consume a sequence: got %d", r.Sequence)
	}
}

func TestExecutor_FailureCodes(t *testing.T) {
	tests := []struct {
		name string
		mod  func(env *testEnv, tx *core.Transaction)
		want uint64
	}{
		{
			name: "unknown tag",
			mod:  func(_ *testEnv, tx *core.Transaction) { tx.Data[0] = 2 },
			want: runtime.Code(bank.ErrInvalidInstruction),
		},
		{
			name: "short buffer",
			mod:  func(_ *testEnv, tx *core.Transaction) { tx.Data = tx.Data[:5] },
			want: runtime.Code(bank.ErrInvalidInstruction),
		},
		{
			name: "undeployed program",
			mod:  func(_ *testEnv, tx *core.Transaction) { tx.ProgramID = key(99) },
			want: runtime.Code(runtime.ErrIncorrectProgramID),
		},
		{
			name: "payer did not sign",
			mod:  func(_ *testEnv, tx *core.Transaction) { tx.Accounts[2].IsSigner = false },
			want: runtime.Code(runtime.ErrMissingRequiredSignature),
		},
		{
			name: "deposited account not rent exempt",
			mod: func(env *testEnv, _ *core.Transaction) {
				env.ledger.Put(ledger.NewTokenAccount(depositKey, address.NativeMint, payerKey, 12, exempt()-1))
			},
			want: runtime.Code(bank.ErrNotRentExempt),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tx := env.deposit(uuid.New(), 12)
			tt.mod(env, tx)

			r := env.mustExecute(t, tx)
			if r.Status != core.StatusFailed {
				t.Fatalf("expected failure, got %s", r.Status)
			}
			if r.ErrorCode != tt.want {
				t.Errorf("code: got %#x, want %#x", r.ErrorCode, tt.want)
			}
			if r.ErrorCode == 0 {
				t.Error("failed receipt must not carry code 0")
			}
			if got := env.token(t, depositKey).Authority; got != payerKey {
				t.Errorf("authority changed on failure: %s", got)
			}
		})
	}
}

func TestExecutor_WithdrawWithoutDepositFails(t *testing.T) {
	env := newTestEnv(t)

	r := env.mustExecute(t, env.withdraw(uuid.New(), 1))
	if r.ErrorCode != runtime.Code(runtime.ErrOwnerMismatch) {
		t.Errorf("code: got %#x, want OwnerMismatch", r.ErrorCode)
	}
}

func TestExecutor_ProgramPanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	panicky := key(77)
	env.exec.Register(panicky, runtime.ProgramFunc(func(runtime.Host, address.Address, []runtime.AccountInfo, []byte) error {
		panic("boom")
	}))

	r := env.mustExecute(t, &core.Transaction{ID: uuid.New(), ProgramID: panicky})
	if r.Status != core.StatusFailed || r.ErrorCode != uint64(runtime.KindUnknown)<<32 {
		t.Errorf("unexpected receipt: %+v", r)
	}
}

func TestExecutor_OutcomeNamedByProgram(t *testing.T) {
	env := newTestEnv(t)
	other := key(78)
	env.exec.Register(other, runtime.ProgramFunc(func(runtime.Host, address.Address, []runtime.AccountInfo, []byte) error {
		return nil
	}))

	// Same leading tag as a bank Deposit, but a program that names nothing.
	data, _ := bank.NewDeposit(1, "")
	r := env.mustExecute(t, &core.Transaction{ID: uuid.New(), ProgramID: other, Data: data})
	if r.Status != core.StatusSucceeded || r.Outcome != core.OutcomeCompleted {
		t.Errorf("non-bank program: status=%s outcome=%s", r.Status, r.Outcome)
	}

	r = env.mustExecute(t, env.deposit(uuid.New(), 12))
	if r.Outcome != core.OutcomeDeposited {
		t.Errorf("bank deposit: outcome=%s", r.Outcome)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestExecutor_DuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	env.mustExecute(t, env.deposit(id, 12))
	_, err := env.exec.Execute(context.Background(), env.deposit(id, 12))
	if !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if env.exec.GetSequence() != 1 {
		t.Errorf("duplicate consumed a sequence: next=%d", env.exec.GetSequence())
	}
}

func TestExecutor_InvalidTransaction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec.Execute(context.Background(), &core.Transaction{ProgramID: programID})
	if !errors.Is(err, core.ErrInvalidTransaction) {
		t.Errorf("missing id: got %v", err)
	}
	_, err = env.exec.Execute(context.Background(), &core.Transaction{ID: uuid.New()})
	if !errors.Is(err, core.ErrInvalidTransaction) {
		t.Errorf("missing program: got %v", err)
	}
}

type dbDupChecker struct{ ids map[string]bool }

func (c dbDupChecker) IsDuplicate(_ context.Context, txID string) (bool, error) {
	return c.ids[txID], nil
}

func TestExecutor_DBTierDuplicate(t *testing.T) {
	id := uuid.New()
	l := ledger.NewLedger(runtime.DefaultRent)
	exec := core.NewExecutor(l, core.Config{
		DBChecker: dbDupChecker{ids: map[string]bool{id.String(): true}},
		Logger:    zerolog.Nop(),
	})

	_, err := exec.Execute(context.Background(), &core.Transaction{ID: id, ProgramID: programID})
	if !errors.Is(err, core.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate from db tier, got %v", err)
	}
}

type downDB struct{}

func (downDB) IsDuplicate(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestExecutor_DBTierErrorCounted(t *testing.T) {
	l := ledger.NewLedger(runtime.DefaultRent)
	if err := l.Put(ledger.NewTokenAccount(depositKey, address.NativeMint, payerKey, 12, exempt())); err != nil {
		t.Fatalf("put: %v", err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	exec := core.NewExecutor(l, core.Config{DBChecker: downDB{}, Metrics: metrics, Logger: zerolog.Nop()})
	exec.Register(programID, bank.NewProcessor(bank.DefaultConfig(), zerolog.Nop()))

	data, _ := bank.NewDeposit(12, "")
	r, err := exec.Execute(context.Background(), &core.Transaction{
		ID:        uuid.New(),
		ProgramID: programID,
		Accounts:  bank.DepositAccounts(receiverKey, depositKey, payerKey),
		Data:      data,
	})
	if err != nil || r.Status != core.StatusSucceeded {
		t.Fatalf("db outage must not block execution: %v %+v", err, r)
	}
	if got := testutil.ToFloat64(metrics.DedupTier2Errors); got != 1 {
		t.Errorf("tier2 errors: got %v, want 1", got)
	}
}

// ============================================================================
// Test: Outputs
// ============================================================================

func TestExecutor_EmitsOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.mustExecute(t, env.deposit(uuid.New(), 12))
	env.mustExecute(t, env.withdraw(uuid.New(), 13))

	if len(env.persist) != 2 || len(env.publish) != 2 {
		t.Fatalf("outputs: persist=%d publish=%d", len(env.persist), len(env.publish))
	}
	ok := <-env.persist
	if ok.Batch == nil || ok.Receipt.Sequence != 0 {
		t.Errorf("first output should carry the deposit batch: %+v", ok.Receipt)
	}
	failed := <-env.persist
	if failed.Batch != nil || failed.Receipt.Status != core.StatusFailed {
		t.Errorf("second output should be a failed receipt without batch")
	}
}

func TestExecutor_PublishDropsWhenFull(t *testing.T) {
	l := ledger.NewLedger(runtime.DefaultRent)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	publish := make(chan core.Output) // unbuffered, never read
	exec := core.NewExecutor(l, core.Config{Metrics: metrics, Logger: zerolog.Nop(), PublishChan: publish})

	if _, err := exec.Execute(context.Background(), &core.Transaction{ID: uuid.New(), ProgramID: programID}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishDrops); got != 1 {
		t.Errorf("publish drops: got %v, want 1", got)
	}
}

// ============================================================================
// Test: Determinism and snapshots
// ============================================================================

func TestExecutor_Deterministic(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	run := func() core.Hash {
		env := newTestEnv(t)
		env.mustExecute(t, env.deposit(ids[0], 12))
		env.mustExecute(t, env.withdraw(ids[1], 5))
		env.mustExecute(t, env.withdraw(ids[2], 50))
		return env.exec.GetStateHash()
	}

	if a, b := run(), run(); a != b {
		t.Errorf("same inputs produced different hashes: %s vs %s", a, b)
	}
}

func TestExecutor_SnapshotRestore(t *testing.T) {
	env := newTestEnv(t)
	depositID := uuid.New()
	env.mustExecute(t, env.deposit(depositID, 12))

	snap := env.exec.CreateSnapshotState()
	if snap.Sequence != 0 || snap.StateHash != env.exec.GetStateHash() {
		t.Fatalf("unexpected snapshot header: seq=%d", snap.Sequence)
	}

	restored := newTestEnv(t)
	if err := restored.exec.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.exec.GetSequence() != 1 {
		t.Errorf("next sequence after restore: %d", restored.exec.GetSequence())
	}
	if got := restored.token(t, depositKey).Authority; got != restored.custody {
		t.Errorf("restored authority: %s", got)
	}

	if _, err := restored.exec.Execute(context.Background(), restored.deposit(depositID, 12)); !errors.Is(err, core.ErrDuplicate) {
		t.Errorf("restored LRU should reject replay, got %v", err)
	}

	r := restored.mustExecute(t, restored.withdraw(uuid.New(), 11))
	if r.PrevHash != snap.StateHash {
		t.Error("chain did not resume from snapshot hash")
	}
}

// ============================================================================
// Test: Concurrency
// ============================================================================

func TestExecutor_ConcurrentDisjointDeposits(t *testing.T) {
	const n = 32

	l := ledger.NewLedger(runtime.DefaultRent)
	exec := core.NewExecutor(l, core.Config{Logger: zerolog.Nop(), Clock: fixedClock})
	exec.Register(programID, bank.NewProcessor(bank.DefaultConfig(), zerolog.Nop()))
	custody, _, _ := address.FindProgramAddress([][]byte{[]byte(bank.DefaultCustodySeed)}, programID)

	txs := make([]*core.Transaction, n)
	for i := range txs {
		var receiver, deposited, payer address.Address
		receiver[0], receiver[1] = 0xc0, byte(i)
		deposited[0], deposited[1] = 0xd0, byte(i)
		payer[0], payer[1] = 0xe0, byte(i)
		if err := l.Put(ledger.NewTokenAccount(deposited, address.NativeMint, payer, uint64(i+1), exempt())); err != nil {
			t.Fatalf("put: %v", err)
		}
		data, _ := bank.NewDeposit(uint64(i+1), "")
		txs[i] = &core.Transaction{
			ID:        uuid.New(),
			ProgramID: programID,
			Accounts:  bank.DepositAccounts(receiver, deposited, payer),
			Data:      data,
		}
	}

	var wg sync.WaitGroup
	receipts := make([]*core.Receipt, n)
	errs := make([]error, n)
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = exec.Execute(context.Background(), txs[i])
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i, r := range receipts {
		if errs[i] != nil {
			t.Fatalf("tx %d: %v", i, errs[i])
		}
		if r.Status != core.StatusSucceeded {
			t.Errorf("tx %d failed: %s", i, r.ErrorMessage)
		}
		if seen[r.Sequence] {
			t.Errorf("sequence %d assigned twice", r.Sequence)
		}
		seen[r.Sequence] = true
	}
	if exec.GetSequence() != n {
		t.Errorf("next sequence: got %d, want %d", exec.GetSequence(), n)
	}
	for _, acc := range l.Accounts() {
		if acc.IsToken() && acc.Token.Authority != custody {
			t.Errorf("%s not in custody", acc.Key)
		}
	}
}

func TestExecutor_ConcurrentWithdrawsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.mustExecute(t, env.deposit(uuid.New(), 12))

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.exec.Execute(context.Background(), env.withdraw(uuid.New(), 1))
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			if r.Status == core.StatusSucceeded {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 12 {
		t.Errorf("succeeded withdraws: got %d, want 12", succeeded)
	}
	if got := env.token(t, recipientKey).Amount; got != 12 {
		t.Errorf("recipient balance: got %d", got)
	}
	if got := env.token(t, depositKey).Amount; got != 0 {
		t.Errorf("custody balance: got %d", got)
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestExecutor_ReplayReproducesChain(t *testing.T) {
	live := newTestEnv(t)
	txs := []*core.Transaction{
		live.deposit(uuid.New(), 12),
		live.withdraw(uuid.New(), 11),
		live.withdraw(uuid.New(), 5), // fails, still logged
	}
	var receipts []*core.Receipt
	for _, tx := range txs {
		receipts = append(receipts, live.mustExecute(t, tx))
	}

	recovered := newTestEnv(t)
	for i, tx := range txs {
		if _, err := recovered.exec.Replay(context.Background(), tx, receipts[i].StateHash); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if recovered.exec.GetStateHash() != live.exec.GetStateHash() {
		t.Error("replayed chain tip differs from live")
	}
	if len(recovered.persist) != 0 || len(recovered.publish) != 0 {
		t.Error("replay must not emit outputs")
	}
}

func TestExecutor_ReplayDetectsDivergence(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec.Replay(context.Background(), env.deposit(uuid.New(), 12), core.Hash{})
	if !errors.Is(err, core.ErrReplayDiverged) {
		t.Errorf("expected ErrReplayDiverged, got %v", err)
	}
}
