package runtime

import (
	"CustodyBank/internal/address"
)

// AccountMeta references an account in an invocation and declares how the
// invocation uses it. IsSigner is set by the outer framework after it has
// verified the signature.
type AccountMeta struct {
	Key        address.Address `json:"pubkey"`
	IsSigner   bool            `json:"is_signer"`
	IsWritable bool            `json:"is_writable"`
}

// AccountInfo is the read-only view of an account handed to a program.
// Programs never mutate it; state changes go through Host capabilities.
type AccountInfo struct {
	Key        address.Address
	Owner      address.Address
	Lamports   uint64
	DataLen    int
	IsSigner   bool
	IsWritable bool
}

// AccountIter walks an ordered account list.
type AccountIter struct {
	accounts []AccountInfo
	pos      int
}

func NewAccountIter(accounts []AccountInfo) *AccountIter {
	return &AccountIter{accounts: accounts}
}

// Next returns the next account or ErrNotEnoughAccountKeys.
func (it *AccountIter) Next() (AccountInfo, error) {
	if it.pos >= len(it.accounts) {
		return AccountInfo{}, ErrNotEnoughAccountKeys
	}
	acc := it.accounts[it.pos]
	it.pos++
	return acc, nil
}

// DelegatedAuthority proves control of a program-derived identity by
// presenting the seeds and nonce it was derived from, in place of a
// signature. Only ProgramID itself may present it.
type DelegatedAuthority struct {
	ProgramID address.Address
	Seeds     [][]byte
	Nonce     uint8
}

// SignerSeeds returns the seeds with the nonce appended, the form accepted
// by address.CreateProgramAddress.
func (d *DelegatedAuthority) SignerSeeds() [][]byte {
	out := make([][]byte, 0, len(d.Seeds)+1)
	out = append(out, d.Seeds...)
	return append(out, []byte{d.Nonce})
}

// Authority states how a capability call is authorised: either by a
// signature of Signer, or by a delegated, program-derived identity.
type Authority struct {
	Signer    address.Address
	Delegated *DelegatedAuthority
}

// SignedBy authorises a call with a conventional signature.
func SignedBy(signer address.Address) Authority {
	return Authority{Signer: signer}
}

// Delegated authorises a call on behalf of a program-derived identity.
func Delegated(programID address.Address, nonce uint8, seeds ...[]byte) Authority {
	return Authority{Delegated: &DelegatedAuthority{
		ProgramID: programID,
		Seeds:     seeds,
		Nonce:     nonce,
	}}
}

// Host is the capability surface the token-accounting subsystem exposes to
// programs during one invocation.
type Host interface {
	// ReassignAuthority changes the ownership authority of a token account.
	ReassignAuthority(account, newAuthority address.Address, auth Authority) error

	// Transfer moves amount units between two token accounts of the same mint.
	Transfer(source, destination address.Address, amount uint64, auth Authority) error

	IsRentExempt(lamports uint64, dataLen int) bool

	FindProgramAddress(seeds [][]byte, programID address.Address) (address.Address, uint8, error)
}

// Program is the single entry point a deployed program exposes.
type Program interface {
	Process(host Host, programID address.Address, accounts []AccountInfo, data []byte) error
}

// OutcomeNamer is implemented by programs that name the effect of a
// successful instruction, for example "deposited". The executor labels
// receipts of other programs "completed".
type OutcomeNamer interface {
	OutcomeName(data []byte) string
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(host Host, programID address.Address, accounts []AccountInfo, data []byte) error

func (f ProgramFunc) Process(host Host, programID address.Address, accounts []AccountInfo, data []byte) error {
	return f(host, programID, accounts, data)
}
