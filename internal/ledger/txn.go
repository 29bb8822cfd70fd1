package ledger

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var ErrTxnClosed = errors.New("transaction already committed or rolled back")

// Txn stages the effects of one program invocation. It implements
// runtime.Host; nothing reaches the ledger until Commit.
type Txn struct {
	ledger    *Ledger
	txRef     string
	programID address.Address
	metas     map[address.Address]runtime.AccountMeta
	order     []address.Address

	original map[address.Address]Account
	staged   map[address.Address]*Account
	journals []Journal
	batchID  uuid.UUID
	closed   bool
}

// Begin opens a transaction for programID over the referenced accounts.
// A key listed twice keeps the union of its signer/writable flags.
func (l *Ledger) Begin(txRef string, programID address.Address, metas []runtime.AccountMeta) *Txn {
	t := &Txn{
		ledger:    l,
		txRef:     txRef,
		programID: programID,
		metas:     make(map[address.Address]runtime.AccountMeta, len(metas)),
		order:     make([]address.Address, 0, len(metas)),
		original:  make(map[address.Address]Account),
		staged:    make(map[address.Address]*Account),
		batchID:   uuid.New(),
	}
	for _, m := range metas {
		t.order = append(t.order, m.Key)
		if prev, ok := t.metas[m.Key]; ok {
			m.IsSigner = m.IsSigner || prev.IsSigner
			m.IsWritable = m.IsWritable || prev.IsWritable
		}
		t.metas[m.Key] = m
	}
	return t
}

// AccountInfos returns the ordered, read-only account views for the program.
// Referenced accounts that do not exist appear as empty system accounts.
func (t *Txn) AccountInfos() []runtime.AccountInfo {
	infos := make([]runtime.AccountInfo, 0, len(t.order))
	for _, key := range t.order {
		meta := t.metas[key]
		info := runtime.AccountInfo{
			Key:        key,
			Owner:      address.SystemProgramID,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		}
		if acc, ok := t.view(key); ok {
			info.Owner = acc.Owner
			info.Lamports = acc.Lamports
			info.DataLen = acc.DataLen
		}
		infos = append(infos, info)
	}
	return infos
}

func (t *Txn) view(key address.Address) (Account, bool) {
	if acc, ok := t.staged[key]; ok {
		return *acc, true
	}
	return t.ledger.load(key)
}

// stage returns the mutable staged copy of a referenced account.
func (t *Txn) stage(key address.Address) (*Account, error) {
	if _, ok := t.metas[key]; !ok {
		return nil, fmt.Errorf("%w: %s is not referenced by the invocation", runtime.ErrNotEnoughAccountKeys, key)
	}
	if acc, ok := t.staged[key]; ok {
		return acc, nil
	}
	acc, ok := t.ledger.load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrAccountNotFound, key)
	}
	t.original[key] = acc.Clone()
	staged := acc.Clone()
	t.staged[key] = &staged
	return &staged, nil
}

func (t *Txn) stageToken(key address.Address) (*Account, error) {
	acc, err := t.stage(key)
	if err != nil {
		return nil, err
	}
	if !acc.IsToken() {
		return nil, fmt.Errorf("%w: %s is not a token account", runtime.ErrInvalidAccountData, key)
	}
	if !t.metas[key].IsWritable {
		return nil, fmt.Errorf("%w: %s", runtime.ErrReadonlyAccount, key)
	}
	return acc, nil
}

// authorize checks that auth controls current.
func (t *Txn) authorize(auth runtime.Authority, current address.Address) error {
	if d := auth.Delegated; d != nil {
		// A program may only present seeds for identities derived from itself.
		if d.ProgramID != t.programID {
			return fmt.Errorf("%w: program %s cannot sign for %s", runtime.ErrMissingRequiredSignature, t.programID, d.ProgramID)
		}
		derived, err := address.CreateProgramAddress(d.SignerSeeds(), d.ProgramID)
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidSeeds, err)
		}
		if derived != current {
			return fmt.Errorf("%w: delegated authority %s does not control account owned by %s", runtime.ErrOwnerMismatch, derived, current)
		}
		return nil
	}

	if auth.Signer.IsZero() {
		return runtime.ErrMissingRequiredSignature
	}
	if meta, ok := t.metas[auth.Signer]; !ok || !meta.IsSigner {
		return fmt.Errorf("%w: %s", runtime.ErrMissingRequiredSignature, auth.Signer)
	}
	if auth.Signer != current {
		return fmt.Errorf("%w: signer %s, authority %s", runtime.ErrOwnerMismatch, auth.Signer, current)
	}
	return nil
}

// ReassignAuthority implements runtime.Host.
func (t *Txn) ReassignAuthority(account, newAuthority address.Address, auth runtime.Authority) error {
	if t.closed {
		return ErrTxnClosed
	}
	if newAuthority.IsZero() {
		return fmt.Errorf("%w: new authority is empty", runtime.ErrInvalidArgument)
	}

	acc, err := t.stageToken(account)
	if err != nil {
		return err
	}
	if err := t.authorize(auth, acc.Token.Authority); err != nil {
		return err
	}

	prev := acc.Token.Authority
	acc.Token.Authority = newAuthority

	t.journals = append(t.journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       t.batchID,
		TxRef:         t.txRef,
		JournalType:   JournalTypeSetAuthority,
		Account:       account,
		Mint:          acc.Token.Mint,
		Amount:        acc.Token.Amount,
		PrevAuthority: prev,
		NewAuthority:  newAuthority,
	})
	return nil
}

// Transfer implements runtime.Host.
func (t *Txn) Transfer(source, destination address.Address, amount uint64, auth runtime.Authority) error {
	if t.closed {
		return ErrTxnClosed
	}

	src, err := t.stageToken(source)
	if err != nil {
		return err
	}
	dst, err := t.stageToken(destination)
	if err != nil {
		return err
	}
	if src.Token.Mint != dst.Token.Mint {
		return fmt.Errorf("%w: %s holds %s, %s holds %s", runtime.ErrMintMismatch, source, src.Token.Mint, destination, dst.Token.Mint)
	}
	if err := t.authorize(auth, src.Token.Authority); err != nil {
		return err
	}
	if src.Token.Amount < amount {
		return &runtime.ProgramError{
			Kind:    runtime.KindInsufficientFunds,
			Message: fmt.Sprintf("insufficient funds: have=%d, need=%d", src.Token.Amount, amount),
		}
	}

	if source != destination && dst.Token.Amount > math.MaxUint64-amount {
		return fmt.Errorf("%w: destination balance overflows", runtime.ErrInvalidArgument)
	}

	src.Token.Amount -= amount
	dst.Token.Amount += amount

	t.journals = append(t.journals, Journal{
		JournalID:    uuid.New(),
		BatchID:      t.batchID,
		TxRef:        t.txRef,
		JournalType:  JournalTypeTransfer,
		Account:      source,
		Counterparty: destination,
		Mint:         src.Token.Mint,
		Amount:       amount,
	})
	return nil
}

// IsRentExempt implements runtime.Host.
func (t *Txn) IsRentExempt(lamports uint64, dataLen int) bool {
	return t.ledger.rent.IsExempt(lamports, dataLen)
}

// FindProgramAddress implements runtime.Host.
func (t *Txn) FindProgramAddress(seeds [][]byte, programID address.Address) (address.Address, uint8, error) {
	return address.FindProgramAddress(seeds, programID)
}

// Commit applies the staged state and returns the invocation's batch.
func (t *Txn) Commit(sequence int64, ts time.Time) (*Batch, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	t.closed = true

	batch := &Batch{
		BatchID:   t.batchID,
		TxRef:     t.txRef,
		Sequence:  sequence,
		Timestamp: ts.UnixMicro(),
		Journals:  t.journals,
	}
	for i := range batch.Journals {
		batch.Journals[i].Sequence = sequence
		batch.Journals[i].Timestamp = batch.Timestamp
	}

	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	if err := ValidateSupplyConserved(t.original, t.staged); err != nil {
		return nil, err
	}

	t.ledger.apply(t.staged)
	return batch, nil
}

// Rollback discards every staged effect.
func (t *Txn) Rollback() {
	t.closed = true
	t.staged = nil
	t.journals = nil
}
