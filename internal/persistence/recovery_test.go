package persistence_test

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/persistence"
	"CustodyBank/internal/runtime"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func key(b byte) address.Address {
	var a address.Address
	a[0] = b
	a[31] = 0x7e
	return a
}

var (
	programID    = key(1)
	receiverKey  = key(2)
	depositKey   = key(3)
	payerKey     = key(4)
	recipientKey = key(5)
)

func fixedClock() time.Time {
	return time.UnixMicro(1_700_000_000_000_000)
}

func newExecutor(t *testing.T, persist chan core.Output) *core.Executor {
	t.Helper()
	exempt := runtime.DefaultRent.MinimumBalance(ledger.TokenAccountLen)
	l := ledger.NewLedger(runtime.DefaultRent)
	for _, acc := range []ledger.Account{
		ledger.NewTokenAccount(depositKey, address.NativeMint, payerKey, 12, exempt),
		ledger.NewTokenAccount(recipientKey, address.NativeMint, key(9), 0, exempt),
	} {
		if err := l.Put(acc); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	exec := core.NewExecutor(l, core.Config{
		LRUCapacity: 64,
		Logger:      zerolog.Nop(),
		PersistChan: persist,
		Clock:       fixedClock,
	})
	exec.Register(programID, bank.NewProcessor(bank.DefaultConfig(), zerolog.Nop()))
	return exec
}

// memoryLog serves invocation rows from a slice.
type memoryLog struct {
	rows []persistence.InvocationRow
}

func (m *memoryLog) LoadInvocationsFrom(_ context.Context, from int64, limit int) ([]persistence.InvocationRow, error) {
	var out []persistence.InvocationRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// executeCanonical deposits 12, withdraws 11 and attempts an overdraft.
func executeCanonical(t *testing.T, exec *core.Executor) []*core.Transaction {
	t.Helper()
	custody, _, err := address.FindProgramAddress([][]byte{[]byte(bank.DefaultCustodySeed)}, programID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	dep, _ := bank.NewDeposit(12, "in")
	wd, _ := bank.NewWithdraw(11, "out")
	over, _ := bank.NewWithdraw(5, "over")

	txs := []*core.Transaction{
		{ID: uuid.New(), ProgramID: programID, Accounts: bank.DepositAccounts(receiverKey, depositKey, payerKey), Data: dep},
		{ID: uuid.New(), ProgramID: programID, Accounts: bank.WithdrawAccounts(recipientKey, depositKey, custody), Data: wd},
		{ID: uuid.New(), ProgramID: programID, Accounts: bank.WithdrawAccounts(recipientKey, depositKey, custody), Data: over},
	}
	for _, tx := range txs {
		if _, err := exec.Execute(context.Background(), tx); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	return txs
}

// runCanonicalFlow executes the canonical flow and returns the logged rows.
func runCanonicalFlow(t *testing.T) (*core.Executor, *memoryLog, []persistence.JournalRow) {
	t.Helper()
	persist := make(chan core.Output, 16)
	exec := newExecutor(t, persist)
	txs := executeCanonical(t, exec)

	log := &memoryLog{}
	var journals []persistence.JournalRow
	for range txs {
		inv, js, err := persistence.RowsFromOutput(<-persist)
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		log.rows = append(log.rows, inv)
		journals = append(journals, js...)
	}
	return exec, log, journals
}

func TestRowsFromOutput(t *testing.T) {
	_, log, journals := runCanonicalFlow(t)

	if len(log.rows) != 3 {
		t.Fatalf("rows: got %d", len(log.rows))
	}
	dep, wd, over := log.rows[0], log.rows[1], log.rows[2]
	if dep.Status != "succeeded" || dep.Outcome != "deposited" || dep.Sequence != 0 {
		t.Errorf("deposit row: %+v", dep)
	}
	if wd.Status != "succeeded" || wd.Outcome != "withdrawn" {
		t.Errorf("withdraw row: %+v", wd)
	}
	if over.Status != "failed" || over.Outcome != "failed" || over.ErrorCode == 0 || over.ErrorMessage == "" {
		t.Errorf("overdraft row: %+v", over)
	}
	if string(wd.PrevHash) != string(dep.StateHash) {
		t.Error("prev_hash does not link to previous state_hash")
	}
	if !dep.Timestamp.Equal(fixedClock()) {
		t.Errorf("timestamp: %v", dep.Timestamp)
	}

	// deposit: set_authority; withdraw: transfer; overdraft: nothing
	if len(journals) != 2 {
		t.Fatalf("journals: got %d", len(journals))
	}
	if journals[0].JournalType != "set_authority" || journals[0].Sequence != 0 {
		t.Errorf("deposit journal: %+v", journals[0])
	}
	if journals[1].JournalType != "transfer" || journals[1].Amount != "11" || journals[1].Counterparty != recipientKey.String() {
		t.Errorf("withdraw journal: %+v", journals[1])
	}
}

func TestReplayInvocations_ReproducesState(t *testing.T) {
	live, log, _ := runCanonicalFlow(t)

	fresh := newExecutor(t, nil)
	n, err := persistence.ReplayInvocations(context.Background(), log, fresh, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 3 {
		t.Errorf("replayed: got %d, want 3", n)
	}
	if fresh.GetStateHash() != live.GetStateHash() || fresh.GetSequence() != live.GetSequence() {
		t.Error("replayed executor does not match live executor")
	}
	acc, _ := fresh.Ledger().Get(recipientKey)
	if acc.Token.Amount != 11 {
		t.Errorf("recipient after replay: %d", acc.Token.Amount)
	}
}

func TestReplayInvocations_DetectsTampering(t *testing.T) {
	_, log, _ := runCanonicalFlow(t)
	log.rows[1].StateHash = make([]byte, 32)

	fresh := newExecutor(t, nil)
	n, err := persistence.ReplayInvocations(context.Background(), log, fresh, 0, zerolog.Nop())
	if !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("expected ErrReplayDiverged, got %v", err)
	}
	if n != 1 {
		t.Errorf("replayed before divergence: got %d, want 1", n)
	}
}

func TestReplayInvocations_DetectsGap(t *testing.T) {
	_, log, _ := runCanonicalFlow(t)
	log.rows = append(log.rows[:1], log.rows[2:]...)

	fresh := newExecutor(t, nil)
	if _, err := persistence.ReplayInvocations(context.Background(), log, fresh, 0, zerolog.Nop()); !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("expected ErrReplayDiverged, got %v", err)
	}
}
