package bank

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"fmt"
)

// DefaultCustodySeed names the program's custody pool.
const DefaultCustodySeed = "bank store"

// CustodyAuthority is the key-less identity holding custody on behalf of
// the program. It is recomputed on every call, never stored.
type CustodyAuthority struct {
	Address address.Address
	Nonce   uint8
	Seed    []byte
}

// Delegation returns the authority value that lets the host treat a call
// as signed by the custody authority.
func (c CustodyAuthority) Delegation(programID address.Address) runtime.Authority {
	return runtime.Delegated(programID, c.Nonce, c.Seed)
}

// DeriveCustodyAuthority derives the custody authority for programID from seed.
func DeriveCustodyAuthority(host runtime.Host, programID address.Address, seed []byte) (CustodyAuthority, error) {
	addr, nonce, err := host.FindProgramAddress([][]byte{seed}, programID)
	if err != nil {
		return CustodyAuthority{}, fmt.Errorf("derive custody authority: %w", err)
	}
	return CustodyAuthority{Address: addr, Nonce: nonce, Seed: seed}, nil
}
