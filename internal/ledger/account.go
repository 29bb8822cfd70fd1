package ledger

import (
	"CustodyBank/internal/address"
	"fmt"
)

// TokenAccountLen is the allocated size of a token account.
const TokenAccountLen = 165

// TokenState is the token-program view of an account: which mint it
// holds, who may move it, and how much it holds.
type TokenState struct {
	Mint      address.Address `json:"mint"`
	Authority address.Address `json:"authority"`
	Amount    uint64          `json:"amount"`
}

// Account is a ledger record. Token is set only for accounts owned by the
// token program.
type Account struct {
	Key      address.Address `json:"key"`
	Owner    address.Address `json:"owner"`
	Lamports uint64          `json:"lamports"`
	DataLen  int             `json:"data_len"`
	Token    *TokenState     `json:"token,omitempty"`
}

// NewSystemAccount creates a plain lamport-holding account.
func NewSystemAccount(key address.Address, lamports uint64) Account {
	return Account{
		Key:      key,
		Owner:    address.SystemProgramID,
		Lamports: lamports,
	}
}

// NewTokenAccount creates an initialised token account.
func NewTokenAccount(key, mint, authority address.Address, amount, lamports uint64) Account {
	return Account{
		Key:      key,
		Owner:    address.TokenProgramID,
		Lamports: lamports,
		DataLen:  TokenAccountLen,
		Token: &TokenState{
			Mint:      mint,
			Authority: authority,
			Amount:    amount,
		},
	}
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	if a.Token != nil {
		t := *a.Token
		a.Token = &t
	}
	return a
}

// IsToken reports whether the account carries initialised token state.
func (a Account) IsToken() bool {
	return a.Token != nil && a.Owner == address.TokenProgramID
}

// Validate checks the record is internally consistent.
func (a Account) Validate() error {
	if a.Key.IsZero() {
		return fmt.Errorf("account has zero key")
	}
	if a.DataLen < 0 {
		return fmt.Errorf("account %s has negative data length %d", a.Key, a.DataLen)
	}
	if a.Token != nil && a.Owner != address.TokenProgramID {
		return fmt.Errorf("account %s carries token state but is owned by %s", a.Key, a.Owner)
	}
	return nil
}
