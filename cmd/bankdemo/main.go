// Command bankdemo runs the custody round trip against an in-process
// ledger: fund a wrapped-native account, deposit it into custody, then
// withdraw part of it to a fresh account.
package main

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/ledger"
	"CustodyBank/internal/observability"
	"CustodyBank/internal/query"
	"CustodyBank/internal/runtime"
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	moneyReceivedSeed = "I want money"
	// receiverAccountLen holds an empty length-prefixed note.
	receiverAccountLen = 4
	payerLamports      = 1_000_000_000
)

type demo struct {
	programID address.Address
	l         *ledger.Ledger
	ingest    *ingestion.IngestService
	qs        *query.QueryService
	logger    zerolog.Logger
}

func main() {
	depositAmount := flag.Uint64("deposit", 12, "amount funded and deposited")
	withdrawAmount := flag.Uint64("withdraw", 11, "amount withdrawn from custody")
	logLevel := flag.String("log-level", "warn", "log level for program output")
	flag.Parse()

	logger := observability.NewLoggerWithLevel("bankdemo", observability.ParseLogLevel(*logLevel))
	if err := run(*depositAmount, *withdrawAmount, logger); err != nil {
		fmt.Fprintf(os.Stderr, "bankdemo: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("SUCCESS")
}

func run(depositAmount, withdrawAmount uint64, logger zerolog.Logger) error {
	fmt.Println("An example of the custody bank")
	ctx := context.Background()

	d, err := newDemo(logger)
	if err != nil {
		return err
	}

	payer, err := d.fundPayer()
	if err != nil {
		return err
	}
	receiver, err := d.createReceiver(payer)
	if err != nil {
		return err
	}

	depositAccount, err := d.deposit(ctx, payer, receiver, depositAmount)
	if err != nil {
		return err
	}
	fmt.Println("====================finish  deposit====================")

	if err := d.withdraw(ctx, payer, depositAccount, withdrawAmount); err != nil {
		return err
	}
	fmt.Println("====================finish withdraw====================")
	return nil
}

func newDemo(logger zerolog.Logger) (*demo, error) {
	programID, err := newKey()
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := ledger.NewLedger(runtime.DefaultRent)
	exec := core.NewExecutor(l, core.Config{Metrics: metrics, Logger: logger, LRUCapacity: 64})
	exec.Register(programID, bank.NewProcessor(bank.DefaultConfig(), logger))

	seed := []byte(bank.DefaultCustodySeed)
	ingest, err := ingestion.NewIngestService(exec, programID, seed, metrics, logger)
	if err != nil {
		return nil, err
	}

	fmt.Println("Using program", programID)
	return &demo{
		programID: programID,
		l:         l,
		ingest:    ingest,
		qs:        query.NewQueryService(exec, nil, programID, seed),
		logger:    logger,
	}, nil
}

func (d *demo) fundPayer() (address.Address, error) {
	payer, err := newKey()
	if err != nil {
		return address.Address{}, err
	}
	if err := d.l.Put(ledger.NewSystemAccount(payer, payerLamports)); err != nil {
		return address.Address{}, err
	}
	fmt.Println("Using account", payer, "containing", payerLamports, "lamports to pay fees")
	return payer, nil
}

// createReceiver creates the program-owned account that receives the
// deposit note, at an address derived from the payer.
func (d *demo) createReceiver(payer address.Address) (address.Address, error) {
	receiver, err := address.CreateWithSeed(payer, moneyReceivedSeed, d.programID)
	if err != nil {
		return address.Address{}, err
	}
	fmt.Println("Creating account", receiver, "to receive money and note")
	return receiver, d.l.Put(ledger.Account{
		Key:      receiver,
		Owner:    d.programID,
		Lamports: d.l.Rent().MinimumBalance(receiverAccountLen),
		DataLen:  receiverAccountLen,
	})
}

func (d *demo) deposit(ctx context.Context, payer, receiver address.Address, amount uint64) (address.Address, error) {
	depositAccount, err := newKey()
	if err != nil {
		return address.Address{}, err
	}
	exempt := d.l.Rent().MinimumBalance(ledger.TokenAccountLen)
	if err := d.l.Put(ledger.NewTokenAccount(depositAccount, address.NativeMint, payer, amount, exempt+amount)); err != nil {
		return address.Address{}, err
	}

	if err := d.printAmount(ctx, "deposit_account_info_before", depositAccount); err != nil {
		return address.Address{}, err
	}
	r, err := d.ingest.Deposit(ctx, uuid.New(), receiver, depositAccount, payer, amount, "deposit note")
	if err := checkReceipt("deposit", r, err); err != nil {
		return address.Address{}, err
	}
	if err := d.printAmount(ctx, "deposit_account_info_after", depositAccount); err != nil {
		return address.Address{}, err
	}

	authority, err := d.qs.GetCustodyAuthority(ctx)
	if err != nil {
		return address.Address{}, err
	}
	fmt.Println("Custody authority", authority.Address, "nonce", authority.Nonce, "holds", authority.HeldByMint[address.NativeMint])
	return depositAccount, nil
}

func (d *demo) withdraw(ctx context.Context, payer, depositAccount address.Address, amount uint64) error {
	withdrawAccount, err := newKey()
	if err != nil {
		return err
	}
	exempt := d.l.Rent().MinimumBalance(ledger.TokenAccountLen)
	if err := d.l.Put(ledger.NewTokenAccount(withdrawAccount, address.NativeMint, payer, 0, exempt)); err != nil {
		return err
	}

	if err := d.printAmount(ctx, "deposit_account_info_before", depositAccount); err != nil {
		return err
	}
	if err := d.printAmount(ctx, "withdraw_account_info_before", withdrawAccount); err != nil {
		return err
	}
	r, err := d.ingest.Withdraw(ctx, uuid.New(), withdrawAccount, depositAccount, amount, "withdraw note")
	if err := checkReceipt("withdraw", r, err); err != nil {
		return err
	}
	if err := d.printAmount(ctx, "deposit_account_info_after", depositAccount); err != nil {
		return err
	}
	return d.printAmount(ctx, "withdraw_account_info_after", withdrawAccount)
}

func (d *demo) printAmount(ctx context.Context, label string, key address.Address) error {
	acc, err := d.qs.GetAccount(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if acc.Token == nil {
		return fmt.Errorf("%s: %s is not a token account", label, key)
	}
	fmt.Printf("%s: %d\n", label, acc.Token.Amount)
	return nil
}

// receiptError is a failed receipt. It matches, via errors.Is, any program
// error with the same host code.
type receiptError struct {
	op      string
	code    uint64
	message string
}

func (e *receiptError) Error() string {
	return fmt.Sprintf("%s failed with code %#x: %s", e.op, e.code, e.message)
}

func (e *receiptError) Is(target error) bool {
	return runtime.Code(target) == e.code
}

func checkReceipt(op string, r *core.Receipt, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if r.Status != core.StatusSucceeded {
		return &receiptError{op: op, code: r.ErrorCode, message: r.ErrorMessage}
	}
	return nil
}

// newKey returns the public half of a fresh ed25519 keypair.
func newKey() (address.Address, error) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		return address.Address{}, fmt.Errorf("generate key: %w", err)
	}
	return address.FromBytes(pub)
}
