package bank

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
)

// DepositAccounts lists the accounts of a Deposit in processing order.
func DepositAccounts(receiver, deposited, payer address.Address) []runtime.AccountMeta {
	return []runtime.AccountMeta{
		{Key: receiver, IsWritable: true},
		{Key: deposited, IsWritable: true},
		{Key: payer, IsSigner: true},
		{Key: address.SystemProgramID},
		{Key: address.TokenProgramID},
		{Key: address.RentSysvarID},
	}
}

// WithdrawAccounts lists the accounts of a Withdraw in processing order.
func WithdrawAccounts(recipient, custodyAccount, custodyAuthority address.Address) []runtime.AccountMeta {
	return []runtime.AccountMeta{
		{Key: recipient, IsWritable: true},
		{Key: custodyAccount, IsWritable: true},
		{Key: custodyAuthority},
		{Key: address.TokenProgramID},
		{Key: address.RentSysvarID},
	}
}
