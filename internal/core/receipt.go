package core

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/runtime"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAccounts bounds the account list of a single transaction.
const MaxAccounts = 64

var (
	ErrDuplicate          = errors.New("duplicate transaction")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvariantViolation = errors.New("ledger invariant violated")
	ErrReplayDiverged     = errors.New("replay diverged from invocation log")
)

// Transaction is one program invocation submitted to the executor.
type Transaction struct {
	ID        uuid.UUID
	ProgramID address.Address
	Accounts  []runtime.AccountMeta
	Data      []byte

	// Source names the ingest path (grpc, http, nats) for metrics.
	Source     string
	ReceivedAt time.Time
}

// Validate checks the envelope. The instruction data is the program's
// business and is not inspected.
func (tx *Transaction) Validate() error {
	if tx.ID == uuid.Nil {
		return fmt.Errorf("%w: missing tx id", ErrInvalidTransaction)
	}
	if tx.ProgramID.IsZero() {
		return fmt.Errorf("%w: missing program id", ErrInvalidTransaction)
	}
	if len(tx.Accounts) > MaxAccounts {
		return fmt.Errorf("%w: %d accounts exceeds limit of %d", ErrInvalidTransaction, len(tx.Accounts), MaxAccounts)
	}
	return nil
}

// writableKeys returns the accounts the invocation may mutate. Read-only
// references are not locked.
func (tx *Transaction) writableKeys() []address.Address {
	keys := make([]address.Address, 0, len(tx.Accounts))
	for _, m := range tx.Accounts {
		if m.IsWritable {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// Status is the terminal status of an executed transaction.
type Status int32

const (
	StatusSucceeded Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// Outcome is the state an invocation ends in.
//
//	Decoding -> Dispatched -> Deposited | Withdrawn
//	Decoding | Dispatched  -> Failed
type Outcome int32

const (
	OutcomeFailed Outcome = iota
	OutcomeDeposited
	OutcomeWithdrawn
	// OutcomeCompleted covers successful invocations of programs that do
	// not name their outcome.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeposited:
		return "deposited"
	case OutcomeWithdrawn:
		return "withdrawn"
	case OutcomeCompleted:
		return "completed"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "failed":
		*o = OutcomeFailed
	case "deposited":
		*o = OutcomeDeposited
	case "withdrawn":
		*o = OutcomeWithdrawn
	case "completed":
		*o = OutcomeCompleted
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// Receipt reports the result of one executed transaction. Program
// failures are receipts, not Execute errors.
type Receipt struct {
	TxID         uuid.UUID        `json:"tx_id"`
	Sequence     int64            `json:"sequence"`
	ProgramID    address.Address  `json:"program_id"`
	Status       Status           `json:"status"`
	Outcome      Outcome          `json:"outcome"`
	ErrorCode    uint64           `json:"error_code"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StateHash    Hash             `json:"state_hash"`
	PrevHash     Hash             `json:"prev_hash"`
	Journals     []ledger.Journal `json:"journals,omitempty"`
	Timestamp    int64            `json:"timestamp"` // epoch microseconds
}

// Output is what the executor hands to persistence and publishing.
// Batch is nil for failed transactions.
type Output struct {
	Transaction *Transaction
	Receipt     *Receipt
	Batch       *ledger.Batch
}
