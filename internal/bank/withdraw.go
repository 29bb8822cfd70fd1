package bank

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"fmt"
)

// Withdraw transfers amount from a custody-held token account to a
// recipient, authorised by the custody authority's delegation rather than
// by any signature.
//
// Accounts:
//
//	0. [writable] recipient token account
//	1. [writable] custody-held token account
//	2. []         custody authority
//	3. []         token program
//	4. []         rent sysvar
func (p *Processor) Withdraw(host runtime.Host, programID address.Address, accounts []runtime.AccountInfo, amount uint64) error {
	it := runtime.NewAccountIter(accounts)

	recipient, err := it.Next()
	if err != nil {
		return err
	}
	custodyAccount, err := it.Next()
	if err != nil {
		return err
	}
	if _, err := it.Next(); err != nil {
		return err
	}
	tokenProgram, err := it.Next()
	if err != nil {
		return err
	}
	rentSysvar, err := it.Next()
	if err != nil {
		return err
	}

	if err := expectKey(tokenProgram, address.TokenProgramID, runtime.ErrIncorrectProgramID); err != nil {
		return err
	}
	if err := expectKey(rentSysvar, address.RentSysvarID, runtime.ErrInvalidArgument); err != nil {
		return err
	}

	if err := p.checkRentExempt(host, recipient); err != nil {
		return err
	}

	custody, err := DeriveCustodyAuthority(host, programID, p.cfg.CustodySeed)
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("from", custodyAccount.Key.String()).
		Str("to", recipient.Key.String()).
		Str("authority", custody.Address.String()).
		Uint64("amount", amount).
		Msg("Transferring from custody")

	if err := host.Transfer(custodyAccount.Key, recipient.Key, amount, custody.Delegation(programID)); err != nil {
		return fmt.Errorf("transfer from %s: %w", custodyAccount.Key, err)
	}
	return nil
}
