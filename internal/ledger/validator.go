package ledger

import (
	"CustodyBank/internal/address"
	"fmt"
)

// ValidateSupplyConserved verifies staged changes neither mint nor burn:
// per mint, the token total over the touched accounts is unchanged.
func ValidateSupplyConserved(before map[address.Address]Account, after map[address.Address]*Account) error {
	delta := make(map[address.Address]int64)

	for _, acc := range before {
		if acc.IsToken() {
			delta[acc.Token.Mint] -= int64(acc.Token.Amount)
		}
	}
	for _, acc := range after {
		if acc.IsToken() {
			delta[acc.Token.Mint] += int64(acc.Token.Amount)
		}
	}

	for mint, d := range delta {
		if d != 0 {
			return fmt.Errorf("supply of mint %s changed by %d", mint, d)
		}
	}
	return nil
}

// ValidateAccounts checks every account record in the ledger.
func (l *Ledger) ValidateAccounts() error {
	for _, acc := range l.Accounts() {
		if err := acc.Validate(); err != nil {
			return err
		}
	}
	return nil
}
