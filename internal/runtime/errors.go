package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the host's built-in failure classes.
type ErrorKind uint32

const (
	KindCustom ErrorKind = iota
	kindCustomZero // wire form of Custom(0), which must not read as success
	KindInvalidArgument
	KindInvalidInstructionData // reserved; programs report their own decode errors
	KindInvalidAccountData
	KindNotEnoughAccountKeys
	KindMissingRequiredSignature
	KindIncorrectProgramID
	KindInsufficientFunds
	KindInvalidSeeds
	KindReadonlyAccount
	KindAccountNotFound
	KindOwnerMismatch
	KindMintMismatch
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindCustom, kindCustomZero:
		return "Custom"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindInvalidInstructionData:
		return "InvalidInstructionData"
	case KindInvalidAccountData:
		return "InvalidAccountData"
	case KindNotEnoughAccountKeys:
		return "NotEnoughAccountKeys"
	case KindMissingRequiredSignature:
		return "MissingRequiredSignature"
	case KindIncorrectProgramID:
		return "IncorrectProgramID"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindInvalidSeeds:
		return "InvalidSeeds"
	case KindReadonlyAccount:
		return "ReadonlyAccount"
	case KindAccountNotFound:
		return "AccountNotFound"
	case KindOwnerMismatch:
		return "OwnerMismatch"
	case KindMintMismatch:
		return "MintMismatch"
	default:
		return "Unknown"
	}
}

// ProgramError is the generic error representation understood at the host
// boundary. Two errors match under errors.Is when kind and code agree.
type ProgramError struct {
	Kind    ErrorKind
	Code    uint32 // only meaningful for KindCustom
	Message string
}

func (e *ProgramError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Kind == KindCustom {
		return fmt.Sprintf("custom program error: %#x", e.Code)
	}
	return e.Kind.String()
}

func (e *ProgramError) Is(target error) bool {
	var t *ProgramError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func builtin(kind ErrorKind, msg string) *ProgramError {
	return &ProgramError{Kind: kind, Message: msg}
}

var (
	ErrInvalidArgument          = builtin(KindInvalidArgument, "invalid argument")
	ErrInvalidAccountData       = builtin(KindInvalidAccountData, "invalid account data")
	ErrNotEnoughAccountKeys     = builtin(KindNotEnoughAccountKeys, "not enough account keys")
	ErrMissingRequiredSignature = builtin(KindMissingRequiredSignature, "missing required signature")
	ErrIncorrectProgramID       = builtin(KindIncorrectProgramID, "incorrect program id")
	ErrInsufficientFunds        = builtin(KindInsufficientFunds, "insufficient funds")
	ErrInvalidSeeds             = builtin(KindInvalidSeeds, "invalid seeds")
	ErrReadonlyAccount          = builtin(KindReadonlyAccount, "account is not writable")
	ErrAccountNotFound          = builtin(KindAccountNotFound, "account not found")
	ErrOwnerMismatch            = builtin(KindOwnerMismatch, "owner does not match")
	ErrMintMismatch             = builtin(KindMintMismatch, "mint does not match")
)

// Custom returns a program-defined error with the given code.
func Custom(code uint32) *ProgramError {
	return &ProgramError{Kind: KindCustom, Code: code}
}

// CustomError lets program error taxonomies surface their own codes
// without depending on ProgramError directly.
type CustomError interface {
	error
	CustomCode() uint32
}

// Code converts err to the numeric form carried on receipts.
// Custom codes pass through unchanged (zero excepted); built-in kinds occupy
// the high word.
func Code(err error) uint64 {
	if err == nil {
		return 0
	}

	var custom CustomError
	if errors.As(err, &custom) {
		return customCode(custom.CustomCode())
	}

	var pe *ProgramError
	if errors.As(err, &pe) {
		if pe.Kind == KindCustom {
			return customCode(pe.Code)
		}
		return uint64(pe.Kind) << 32
	}

	return uint64(KindUnknown) << 32
}

func customCode(code uint32) uint64 {
	if code == 0 {
		return uint64(kindCustomZero) << 32
	}
	return uint64(code)
}
