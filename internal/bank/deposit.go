package bank

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"fmt"
)

// Deposit hands the authority of a payer's token account to the custody
// authority.
//
// Accounts:
//
//	0. [writable] receiver
//	1. [writable] token account being deposited
//	2. [signer]   payer, current authority of (1)
//	3. []         system program
//	4. []         token program
//	5. []         rent sysvar
func (p *Processor) Deposit(host runtime.Host, programID address.Address, accounts []runtime.AccountInfo, amount uint64) error {
	it := runtime.NewAccountIter(accounts)

	receiver, err := it.Next()
	if err != nil {
		return err
	}
	deposited, err := it.Next()
	if err != nil {
		return err
	}
	payer, err := it.Next()
	if err != nil {
		return err
	}
	systemProgram, err := it.Next()
	if err != nil {
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

	if err := expectKey(systemProgram, address.SystemProgramID, runtime.ErrIncorrectProgramID); err != nil {
		return err
	}
	if err := expectKey(tokenProgram, address.TokenProgramID, runtime.ErrIncorrectProgramID); err != nil {
		return err
	}
	if err := expectKey(rentSysvar, address.RentSysvarID, runtime.ErrInvalidArgument); err != nil {
		return err
	}

	rentTarget := deposited
	if p.cfg.DepositRentTarget == RentTargetReceiver {
		rentTarget = receiver
	}
	if err := p.checkRentExempt(host, rentTarget); err != nil {
		return err
	}

	custody, err := DeriveCustodyAuthority(host, programID, p.cfg.CustodySeed)
	if err != nil {
		return err
	}

	p.logger.Info().
		Str("account", deposited.Key.String()).
		Str("from", payer.Key.String()).
		Str("to", custody.Address.String()).
		Uint64("amount", amount).
		Msg("Transferring token account authority to custody")

	if err := host.ReassignAuthority(deposited.Key, custody.Address, runtime.SignedBy(payer.Key)); err != nil {
		return fmt.Errorf("reassign authority of %s: %w", deposited.Key, err)
	}
	return nil
}
