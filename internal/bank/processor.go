package bank

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"fmt"

	"github.com/rs/zerolog"
)

// RentTarget selects which account the deposit path checks for rent exemption.
type RentTarget uint8

const (
	// RentTargetDeposited checks the token account whose custody changes.
	RentTargetDeposited RentTarget = iota
	// RentTargetReceiver checks the receiver account.
	RentTargetReceiver
)

func (t RentTarget) String() string {
	if t == RentTargetReceiver {
		return "receiver"
	}
	return "deposited"
}

// ParseRentTarget accepts "deposited" (also "") and "receiver".
func ParseRentTarget(s string) (RentTarget, error) {
	switch s {
	case "", "deposited":
		return RentTargetDeposited, nil
	case "receiver":
		return RentTargetReceiver, nil
	default:
		return 0, fmt.Errorf("unknown rent target %q", s)
	}
}

type Config struct {
	CustodySeed       []byte
	DepositRentTarget RentTarget
}

func DefaultConfig() Config {
	return Config{
		CustodySeed:       []byte(DefaultCustodySeed),
		DepositRentTarget: RentTargetDeposited,
	}
}

// Processor is the bank program: it decodes instructions and moves custody
// of token accounts through the host's capabilities.
type Processor struct {
	cfg    Config
	logger zerolog.Logger
}

func NewProcessor(cfg Config, logger zerolog.Logger) *Processor {
	if len(cfg.CustodySeed) == 0 {
		cfg.CustodySeed = []byte(DefaultCustodySeed)
	}
	return &Processor{cfg: cfg, logger: logger}
}

// CustodySeed returns the seed the custody authority is derived from.
func (p *Processor) CustodySeed() []byte {
	return p.cfg.CustodySeed
}

// Process implements runtime.Program.
func (p *Processor) Process(host runtime.Host, programID address.Address, accounts []runtime.AccountInfo, data []byte) error {
	ix, err := Decode(data)
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("program_id", programID.String()).
		Uint64("amount", ix.Amount).
		Str("note", ix.Note).
		Msgf("Instruction: %s", ix.Kind)

	switch ix.Kind {
	case KindDeposit:
		return p.Deposit(host, programID, accounts, ix.Amount)
	case KindWithdraw:
		return p.Withdraw(host, programID, accounts, ix.Amount)
	}
	// Decode only yields the kinds above.
	return ErrInvalidInstruction
}

// OutcomeName implements runtime.OutcomeNamer.
func (p *Processor) OutcomeName(data []byte) string {
	ix, err := Decode(data)
	if err != nil {
		return ""
	}
	switch ix.Kind {
	case KindDeposit:
		return "deposited"
	case KindWithdraw:
		return "withdrawn"
	}
	return ""
}

func (p *Processor) checkRentExempt(host runtime.Host, acc runtime.AccountInfo) error {
	if !host.IsRentExempt(acc.Lamports, acc.DataLen) {
		return fmt.Errorf("%w: account %s holds %d lamports for %d bytes", ErrNotRentExempt, acc.Key, acc.Lamports, acc.DataLen)
	}
	return nil
}

func expectKey(acc runtime.AccountInfo, want address.Address, mismatch error) error {
	if acc.Key != want {
		return fmt.Errorf("%w: got %s, want %s", mismatch, acc.Key, want)
	}
	return nil
}

var (
	_ runtime.Program      = (*Processor)(nil)
	_ runtime.OutcomeNamer = (*Processor)(nil)
)
