package ledger

import (
	"CustodyBank/internal/address"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the capability call a journal entry records
type JournalType int32

const (
	JournalTypeSetAuthority JournalType = iota
	JournalTypeTransfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeSetAuthority:
		return "set_authority"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal records one state change applied to the token ledger.
// For transfers, Account is the source and Counterparty the destination.
// For authority changes, Account is the token account.
type Journal struct {
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	TxRef         string          `json:"tx_ref"`
	Sequence      int64           `json:"sequence"`
	JournalType   JournalType     `json:"journal_type"`
	Account       address.Address `json:"account"`
	Counterparty  address.Address `json:"counterparty"`
	Mint          address.Address `json:"mint"`
	Amount        uint64          `json:"amount"`
	PrevAuthority address.Address `json:"prev_authority"`
	NewAuthority  address.Address `json:"new_authority"`
	Timestamp     int64           `json:"timestamp"` // epoch microseconds
}

// Batch groups the journals of a single committed invocation
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	TxRef     string    `json:"tx_ref"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		switch j.JournalType {
		case JournalTypeSetAuthority:
			if j.NewAuthority.IsZero() {
				return fmt.Errorf("journal %s clears the authority of %s", j.JournalID, j.Account)
			}
		case JournalTypeTransfer:
			if j.Counterparty.IsZero() {
				return fmt.Errorf("journal %s has no transfer destination", j.JournalID)
			}
		default:
			return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.JournalType)
		}
	}

	return nil
}
