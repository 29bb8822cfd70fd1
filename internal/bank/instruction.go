package bank

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Wire layout:
//
//	[0]      tag (0 = Deposit, 1 = Withdraw)
//	[1..9)   amount, u64 little-endian
//	[9..21)  note, UTF-8, NUL padded
//	[21..)   ignored
const (
	NoteLen = 12

	amountOffset = 1
	noteOffset   = amountOffset + 8
	// InstructionLen is the minimum length of a well-formed instruction.
	InstructionLen = noteOffset + NoteLen
)

type Kind uint8

const (
	KindDeposit Kind = iota
	KindWithdraw
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	default:
		return "Unknown"
	}
}

// Instruction is a decoded bank instruction.
type Instruction struct {
	Kind   Kind
	Amount uint64 // smallest ledger denomination
	Note   string
}

// Decode parses a raw instruction buffer. Every malformation, including a
// note that is not valid UTF-8, is reported as ErrInvalidInstruction.
func Decode(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, fmt.Errorf("%w: empty buffer", ErrInvalidInstruction)
	}

	var kind Kind
	switch data[0] {
	case 0:
		kind = KindDeposit
	case 1:
		kind = KindWithdraw
	default:
		return Instruction{}, fmt.Errorf("%w: unknown tag %d", ErrInvalidInstruction, data[0])
	}

	if len(data) < noteOffset {
		return Instruction{}, fmt.Errorf("%w: amount needs 8 bytes, got %d", ErrInvalidInstruction, len(data)-amountOffset)
	}
	amount := binary.LittleEndian.Uint64(data[amountOffset:noteOffset])

	if len(data) < InstructionLen {
		return Instruction{}, fmt.Errorf("%w: note needs %d bytes, got %d", ErrInvalidInstruction, NoteLen, len(data)-noteOffset)
	}
	note := bytes.TrimRight(data[noteOffset:InstructionLen], "\x00")
	if !utf8.Valid(note) {
		return Instruction{}, fmt.Errorf("%w: note is not valid UTF-8", ErrInvalidInstruction)
	}

	return Instruction{
		Kind:   kind,
		Amount: amount,
		Note:   string(note),
	}, nil
}

// Pack encodes the instruction in the wire layout Decode accepts. A note
// longer than NoteLen bytes is cut to the last whole rune that fits.
func (ix Instruction) Pack() ([]byte, error) {
	if ix.Kind != KindDeposit && ix.Kind != KindWithdraw {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidInstruction, ix.Kind)
	}
	if !utf8.ValidString(ix.Note) {
		return nil, fmt.Errorf("%w: note is not valid UTF-8", ErrInvalidInstruction)
	}

	buf := make([]byte, InstructionLen)
	buf[0] = byte(ix.Kind)
	binary.LittleEndian.PutUint64(buf[amountOffset:noteOffset], ix.Amount)
	copy(buf[noteOffset:], fitNote(ix.Note))
	return buf, nil
}

func fitNote(note string) string {
	if len(note) <= NoteLen {
		return note
	}
	n := NoteLen
	for n > 0 && !utf8.RuneStart(note[n]) {
		n--
	}
	return note[:n]
}

// NewDeposit builds a Deposit instruction buffer.
func NewDeposit(amount uint64, note string) ([]byte, error) {
	return Instruction{Kind: KindDeposit, Amount: amount, Note: note}.Pack()
}

// NewWithdraw builds a Withdraw instruction buffer.
func NewWithdraw(amount uint64, note string) ([]byte, error) {
	return Instruction{Kind: KindWithdraw, Amount: amount, Note: note}.Pack()
}
