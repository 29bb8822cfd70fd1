package bank

// Error is the bank program's closed error taxonomy. Values are the custom
// codes reported at the host boundary.
type Error uint32

const (
	// ErrInvalidInstruction: malformed instruction buffer.
	ErrInvalidInstruction Error = iota
	// ErrNotRentExempt: an account cannot cover the rent-exemption minimum.
	ErrNotRentExempt
)

func (e Error) Error() string {
	switch e {
	case ErrInvalidInstruction:
		return "invalid instruction"
	case ErrNotRentExempt:
		return "not rent exempt"
	default:
		return "unknown bank error"
	}
}

// CustomCode implements runtime.CustomError.
func (e Error) CustomCode() uint32 {
	return uint32(e)
}
