package ingestion

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IngestService is the synchronous submission path used by the gRPC and
// HTTP servers and by operator tooling. Unlike NATS it returns the receipt
// to the caller.
type IngestService struct {
	exec      Executor
	programID address.Address
	custody   address.Address
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIngestService derives the custody authority of the bank deployed at
// programID from seed.
func NewIngestService(exec Executor, programID address.Address, seed []byte, metrics *observability.Metrics, logger zerolog.Logger) (*IngestService, error) {
	custody, _, err := address.FindProgramAddress([][]byte{seed}, programID)
	if err != nil {
		return nil, fmt.Errorf("derive custody authority: %w", err)
	}
	return &IngestService{
		exec:      exec,
		programID: programID,
		custody:   custody,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Submit parses a wire-format message and executes it.
func (s *IngestService) Submit(ctx context.Context, data []byte, source string) (*core.Receipt, error) {
	s.countReceived(source)
	tx, err := ParseTransaction(data, source, s.now())
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestParseFail.WithLabelValues(source).Inc()
		}
		return nil, err
	}
	return s.exec.Execute(ctx, tx)
}

// SubmitTransaction executes an already-decoded transaction.
func (s *IngestService) SubmitTransaction(ctx context.Context, tx *core.Transaction) (*core.Receipt, error) {
	if tx.Source == "" {
		tx.Source = "admin"
	}
	s.countReceived(tx.Source)
	if tx.ReceivedAt.IsZero() {
		tx.ReceivedAt = s.now()
	}
	return s.exec.Execute(ctx, tx)
}

// Deposit builds and submits a bank Deposit: the payer hands authority of
// the deposited token account to the custody authority.
func (s *IngestService) Deposit(
	ctx context.Context,
	id uuid.UUID,
	receiver, deposited, payer address.Address,
	amount uint64,
	note string,
) (*core.Receipt, error) {
	data, err := bank.NewDeposit(amount, note)
	if err != nil {
		return nil, err
	}
	return s.SubmitTransaction(ctx, &core.Transaction{
		ID:        id,
		ProgramID: s.programID,
		Accounts:  bank.DepositAccounts(receiver, deposited, payer),
		Data:      data,
		Source:    "admin",
	})
}

// Withdraw builds and submits a bank Withdraw of amount from the custody
// account to recipient.
func (s *IngestService) Withdraw(
	ctx context.Context,
	id uuid.UUID,
	recipient, custodyAccount address.Address,
	amount uint64,
	note string,
) (*core.Receipt, error) {
	data, err := bank.NewWithdraw(amount, note)
	if err != nil {
		return nil, err
	}
	return s.SubmitTransaction(ctx, &core.Transaction{
		ID:        id,
		ProgramID: s.programID,
		Accounts:  bank.WithdrawAccounts(recipient, custodyAccount, s.custody),
		Data:      data,
		Source:    "admin",
	})
}

// CustodyAuthority returns the derived custody authority address.
func (s *IngestService) CustodyAuthority() address.Address {
	return s.custody
}

func (s *IngestService) countReceived(source string) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(source).Inc()
	}
}
