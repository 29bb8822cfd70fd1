package query

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/core"
)

// TokenResponse is the token-account portion of an account.
type TokenResponse struct {
	Mint      address.Address `json:"mint"`
	Authority address.Address `json:"authority"`
	Amount    uint64          `json:"amount"`

	// InCustody reports whether the authority is this bank's custody authority.
	InCustody bool `json:"in_custody"`
}

// AccountResponse represents one ledger account for API queries.
type AccountResponse struct {
	Address      address.Address `json:"address"`
	Owner        address.Address `json:"owner"`
	Lamports     uint64          `json:"lamports"`
	DataLen      int             `json:"data_len"`
	RentExempt   bool            `json:"rent_exempt"`
	Token        *TokenResponse  `json:"token,omitempty"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// CustodyAuthorityResponse describes the bank's program-derived authority
// and what it currently holds.
type CustodyAuthorityResponse struct {
	ProgramID address.Address `json:"program_id"`
	Address   address.Address `json:"address"`
	Nonce     uint8           `json:"nonce"`
	Seed      string          `json:"seed"`

	CustodiedAccounts []address.Address          `json:"custodied_accounts"`
	HeldByMint        map[address.Address]uint64 `json:"held_by_mint"`
	AsOfSequence      int64                      `json:"as_of_sequence"`
}

// InvocationResponse is a logged receipt looked up by transaction id.
type InvocationResponse struct {
	Sequence     int64     `json:"sequence"`
	TxID         string    `json:"tx_id"`
	ProgramID    string    `json:"program_id"`
	Status       string    `json:"status"`
	Outcome      string    `json:"outcome"`
	ErrorCode    int64     `json:"error_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StateHash    core.Hash `json:"state_hash"`
	PrevHash     core.Hash `json:"prev_hash"`
	TimestampUs  int64     `json:"timestamp_us"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	TxRef         string `json:"tx_ref"`
	Sequence      int64  `json:"sequence"`
	JournalType   string `json:"journal_type"`
	Account       string `json:"account"`
	Counterparty  string `json:"counterparty"`
	Mint          string `json:"mint"`
	Amount        string `json:"amount"`
	PrevAuthority string `json:"prev_authority"`
	NewAuthority  string `json:"new_authority"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LedgerError     string  `json:"ledger_error,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
