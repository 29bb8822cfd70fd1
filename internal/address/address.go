package address

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the byte length of an address.
const Size = 32

// Address identifies an account, a program or a derived authority.
type Address [Size]byte

var ErrInvalidAddress = errors.New("invalid address")

// Well-known identities of the host ledger.
var (
	SystemProgramID = MustParse("11111111111111111111111111111111")
	TokenProgramID  = MustParse("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	RentSysvarID    = MustParse("SysvarRent111111111111111111111111111111111")
	NativeMint      = MustParse("So11111111111111111111111111111111111111112")
)

// Parse decodes a base58 string into an address.
func Parse(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return FromBytes(raw)
}

// MustParse is Parse for package-level constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies a 32-byte slice into an address.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, Size, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText renders the address as base58 so JSON payloads carry readable keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
