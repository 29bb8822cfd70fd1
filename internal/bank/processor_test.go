package bank_test

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/runtime"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// recordingHost captures capability calls instead of applying them.
type recordingHost struct {
	reassigns []reassignCall
	transfers []transferCall
	failWith  error
}

type reassignCall struct {
	account, newAuthority address.Address
	auth                  runtime.Authority
}

type transferCall struct {
	source, destination address.Address
	amount              uint64
	auth                runtime.Authority
}

func (h *recordingHost) ReassignAuthority(account, newAuthority address.Address, auth runtime.Authority) error {
	h.reassigns = append(h.reassigns, reassignCall{account, newAuthority, auth})
	return h.failWith
}

func (h *recordingHost) Transfer(source, destination address.Address, amount uint64, auth runtime.Authority) error {
	h.transfers = append(h.transfers, transferCall{source, destination, amount, auth})
	return h.failWith
}

func (h *recordingHost) IsRentExempt(lamports uint64, dataLen int) bool {
	return runtime.DefaultRent.IsExempt(lamports, dataLen)
}

func (h *recordingHost) FindProgramAddress(seeds [][]byte, programID address.Address) (address.Address, uint8, error) {
	return address.FindProgramAddress(seeds, programID)
}

func (h *recordingHost) calls() int {
	return len(h.reassigns) + len(h.transfers)
}

var (
	testProgramID = mustKey(1)
	receiverKey   = mustKey(2)
	depositKey    = mustKey(3)
	payerKey      = mustKey(4)
	recipientKey  = mustKey(5)
)

func mustKey(b byte) address.Address {
	var a address.Address
	a[0] = b
	a[31] = 0xaa
	return a
}

const tokenAccountLen = 165

func exempt() uint64 {
	return runtime.DefaultRent.MinimumBalance(tokenAccountLen)
}

func newProcessor(cfg bank.Config) *bank.Processor {
	return bank.NewProcessor(cfg, zerolog.Nop())
}

func depositAccounts(receiverLamports, depositLamports uint64) []runtime.AccountInfo {
	return []runtime.AccountInfo{
		{Key: receiverKey, Lamports: receiverLamports, DataLen: tokenAccountLen, IsWritable: true},
		{Key: depositKey, Lamports: depositLamports, DataLen: tokenAccountLen, IsWritable: true, Owner: address.TokenProgramID},
		{Key: payerKey, IsSigner: true},
		{Key: address.SystemProgramID},
		{Key: address.TokenProgramID},
		{Key: address.RentSysvarID},
	}
}

func withdrawAccounts(custody address.Address, recipientLamports uint64) []runtime.AccountInfo {
	return []runtime.AccountInfo{
		{Key: recipientKey, Lamports: recipientLamports, DataLen: tokenAccountLen, IsWritable: true},
		{Key: depositKey, Lamports: exempt(), DataLen: tokenAccountLen, IsWritable: true},
		{Key: custody},
		{Key: address.TokenProgramID},
		{Key: address.RentSysvarID},
	}
}

func custodyAddress(t *testing.T, seed string) (address.Address, uint8) {
	t.Helper()
	addr, nonce, err := address.FindProgramAddress([][]byte{[]byte(seed)}, testProgramID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return addr, nonce
}

func TestProcess_DepositReassignsToCustody(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())
	data, _ := bank.NewDeposit(100, "hello")

	if err := p.Process(host, testProgramID, depositAccounts(exempt(), exempt()), data); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(host.reassigns) != 1 || len(host.transfers) != 0 {
		t.Fatalf("expected exactly one reassign, got %d reassigns and %d transfers", len(host.reassigns), len(host.transfers))
	}

	custody, _ := custodyAddress(t, bank.DefaultCustodySeed)
	call := host.reassigns[0]
	if call.account != depositKey {
		t.Errorf("account: got %s, want %s", call.account, depositKey)
	}
	if call.newAuthority != custody {
		t.Errorf("new authority: got %s, want custody %s", call.newAuthority, custody)
	}
	if call.auth.Signer != payerKey || call.auth.Delegated != nil {
		t.Errorf("deposit must be signed by the payer, got %+v", call.auth)
	}
}

func TestProcess_WithdrawTransfersWithDelegation(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())
	custody, nonce := custodyAddress(t, bank.DefaultCustodySeed)
	data, _ := bank.NewWithdraw(50, "withdraw")

	if err := p.Process(host, testProgramID, withdrawAccounts(custody, exempt()), data); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(host.transfers) != 1 || len(host.reassigns) != 0 {
		t.Fatalf("expected exactly one transfer, got %d transfers and %d reassigns", len(host.transfers), len(host.reassigns))
	}

	call := host.transfers[0]
	if call.source != depositKey || call.destination != recipientKey || call.amount != 50 {
		t.Errorf("unexpected transfer: %+v", call)
	}
	d := call.auth.Delegated
	if d == nil {
		t.Fatal("withdraw must be authorised by delegation")
	}
	if d.ProgramID != testProgramID || d.Nonce != nonce || len(d.Seeds) != 1 || string(d.Seeds[0]) != bank.DefaultCustodySeed {
		t.Errorf("unexpected delegation: %+v", d)
	}
	if !call.auth.Signer.IsZero() {
		t.Errorf("withdraw must not carry a signer, got %s", call.auth.Signer)
	}
}

func TestProcess_UnknownTagMakesNoCalls(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())
	data, _ := bank.NewDeposit(1, "x")
	data[0] = 2

	err := p.Process(host, testProgramID, depositAccounts(exempt(), exempt()), data)
	if !errors.Is(err, bank.ErrInvalidInstruction) {
		t.Fatalf("expected ErrInvalidInstruction, got %v", err)
	}
	if host.calls() != 0 {
		t.Errorf("expected zero capability calls, got %d", host.calls())
	}
}

func TestDeposit_RentTargets(t *testing.T) {
	tests := []struct {
		name                     string
		target                   bank.RentTarget
		receiverLamports, depLam uint64
		wantErr                  error
	}{
		{"deposited exempt, receiver poor, default target", bank.RentTargetDeposited, 0, exempt(), nil},
		{"deposited poor, default target", bank.RentTargetDeposited, exempt(), exempt() - 1, bank.ErrNotRentExempt},
		{"receiver poor, receiver target", bank.RentTargetReceiver, 1, exempt(), bank.ErrNotRentExempt},
		{"receiver exempt, receiver target", bank.RentTargetReceiver, exempt(), 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &recordingHost{}
			p := newProcessor(bank.Config{DepositRentTarget: tt.target})

			err := p.Deposit(host, testProgramID, depositAccounts(tt.receiverLamports, tt.depLam), 10)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && host.calls() != 0 {
				t.Errorf("failed rent check must not call the ledger, got %d calls", host.calls())
			}
		})
	}
}

func TestWithdraw_RecipientNotRentExempt(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())
	custody, _ := custodyAddress(t, bank.DefaultCustodySeed)

	err := p.Withdraw(host, testProgramID, withdrawAccounts(custody, exempt()-1), 5)
	if !errors.Is(err, bank.ErrNotRentExempt) {
		t.Fatalf("expected ErrNotRentExempt, got %v", err)
	}
	if runtime.Code(err) != 1 {
		t.Errorf("host code: got %d, want 1", runtime.Code(err))
	}
	if host.calls() != 0 {
		t.Errorf("expected zero capability calls, got %d", host.calls())
	}
}

func TestDeposit_MissingAccounts(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())

	accounts := depositAccounts(exempt(), exempt())
	for n := 0; n < len(accounts); n++ {
		err := p.Deposit(host, testProgramID, accounts[:n], 1)
		if !errors.Is(err, runtime.ErrNotEnoughAccountKeys) {
			t.Errorf("%d accounts: expected ErrNotEnoughAccountKeys, got %v", n, err)
		}
	}
}

func TestWithdraw_MissingAccounts(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())
	custody, _ := custodyAddress(t, bank.DefaultCustodySeed)

	accounts := withdrawAccounts(custody, exempt())
	for n := 0; n < len(accounts); n++ {
		err := p.Withdraw(host, testProgramID, accounts[:n], 1)
		if !errors.Is(err, runtime.ErrNotEnoughAccountKeys) {
			t.Errorf("%d accounts: expected ErrNotEnoughAccountKeys, got %v", n, err)
		}
	}
}

func TestDeposit_WrongHandles(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.DefaultConfig())

	accounts := depositAccounts(exempt(), exempt())
	accounts[4].Key = mustKey(9)
	if err := p.Deposit(host, testProgramID, accounts, 1); !errors.Is(err, runtime.ErrIncorrectProgramID) {
		t.Errorf("wrong token program: expected ErrIncorrectProgramID, got %v", err)
	}

	accounts = depositAccounts(exempt(), exempt())
	accounts[5].Key = mustKey(9)
	if err := p.Deposit(host, testProgramID, accounts, 1); !errors.Is(err, runtime.ErrInvalidArgument) {
		t.Errorf("wrong rent sysvar: expected ErrInvalidArgument, got %v", err)
	}
}

func TestDeposit_LedgerFailurePropagates(t *testing.T) {
	host := &recordingHost{failWith: runtime.ErrMissingRequiredSignature}
	p := newProcessor(bank.DefaultConfig())

	err := p.Deposit(host, testProgramID, depositAccounts(exempt(), exempt()), 1)
	if !errors.Is(err, runtime.ErrMissingRequiredSignature) {
		t.Errorf("expected ledger error to propagate, got %v", err)
	}
}

func TestProcessor_CustomSeedChangesAuthority(t *testing.T) {
	host := &recordingHost{}
	p := newProcessor(bank.Config{CustodySeed: []byte("other store")})

	if err := p.Deposit(host, testProgramID, depositAccounts(exempt(), exempt()), 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	def, _ := custodyAddress(t, bank.DefaultCustodySeed)
	other, _ := custodyAddress(t, "other store")

	if host.reassigns[0].newAuthority != other {
		t.Errorf("expected custody derived from configured seed")
	}
	if other == def {
		t.Error("seeds should not collide")
	}
}

func TestParseRentTarget(t *testing.T) {
	for in, want := range map[string]bank.RentTarget{
		"":          bank.RentTargetDeposited,
		"deposited": bank.RentTargetDeposited,
		"receiver":  bank.RentTargetReceiver,
	} {
		got, err := bank.ParseRentTarget(in)
		if err != nil || got != want {
			t.Errorf("ParseRentTarget(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := bank.ParseRentTarget("payer"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestProcessor_OutcomeName(t *testing.T) {
	p := newProcessor(bank.DefaultConfig())
	deposit, _ := bank.NewDeposit(1, "")
	withdraw, _ := bank.NewWithdraw(1, "")

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"deposit", deposit, "deposited"},
		{"withdraw", withdraw, "withdrawn"},
		{"unknown tag", []byte{7}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		if got := p.OutcomeName(tt.data); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
