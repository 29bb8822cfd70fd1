package query

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoDatabase is returned by history queries when the service runs
	// without Postgres.
	ErrNoDatabase = errors.New("invocation log not configured")
)

// StateReader is implemented by *core.Executor.
type StateReader interface {
	Ledger() *ledger.Ledger
	GetSequence() int64
}

// QueryService provides read-only access to custody state. Account and
// authority lookups read the live ledger; history reads the invocation
// log in Postgres. Responses carry as_of_sequence, the last sequence
// applied when the read started.
type QueryService struct {
	state     StateReader
	db        *sql.DB
	programID address.Address
	seed      []byte
}

// NewQueryService builds the read side for the bank deployed at programID.
// db may be nil.
func NewQueryService(state StateReader, db *sql.DB, programID address.Address, seed []byte) *QueryService {
	return &QueryService{state: state, db: db, programID: programID, seed: seed}
}

// GetAccount returns one ledger account.
func (qs *QueryService) GetAccount(ctx context.Context, key address.Address) (*AccountResponse, error) {
	asOf := qs.asOf()
	l := qs.state.Ledger()

	acc, ok := l.Get(key)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", key, ErrNotFound)
	}

	resp := &AccountResponse{
		Address:      acc.Key,
		Owner:        acc.Owner,
		Lamports:     acc.Lamports,
		DataLen:      acc.DataLen,
		RentExempt:   l.Rent().IsExempt(acc.Lamports, acc.DataLen),
		AsOfSequence: asOf,
	}
	if acc.Token != nil {
		custody, _, err := qs.custody()
		if err != nil {
			return nil, err
		}
		resp.Token = &TokenResponse{
			Mint:      acc.Token.Mint,
			Authority: acc.Token.Authority,
			Amount:    acc.Token.Amount,
			InCustody: acc.Token.Authority == custody,
		}
	}
	return resp, nil
}

// GetCustodyAuthority returns the derived custody authority with the
// token accounts it currently controls.
func (qs *QueryService) GetCustodyAuthority(ctx context.Context) (*CustodyAuthorityResponse, error) {
	asOf := qs.asOf()
	custody, nonce, err := qs.custody()
	if err != nil {
		return nil, err
	}

	resp := &CustodyAuthorityResponse{
		ProgramID:         qs.programID,
		Address:           custody,
		Nonce:             nonce,
		Seed:              string(qs.seed),
		CustodiedAccounts: []address.Address{},
		HeldByMint:        make(map[address.Address]uint64),
		AsOfSequence:      asOf,
	}
	for _, acc := range qs.state.Ledger().Accounts() {
		if acc.Token == nil || acc.Token.Authority != custody {
			continue
		}
		resp.CustodiedAccounts = append(resp.CustodiedAccounts, acc.Key)
		resp.HeldByMint[acc.Token.Mint] += acc.Token.Amount
	}
	return resp, nil
}

// GetInvocation returns the logged receipt of txID.
func (qs *QueryService) GetInvocation(ctx context.Context, txID uuid.UUID) (*InvocationResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	var (
		r                   InvocationResponse
		stateHash, prevHash []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, tx_id, program_id, status, outcome, error_code, error_message,
		       state_hash, prev_hash, (EXTRACT(EPOCH FROM timestamp) * 1000000)::BIGINT
		FROM custody.invocations
		WHERE tx_id = $1
	`, txID).Scan(
		&r.Sequence, &r.TxID, &r.ProgramID, &r.Status, &r.Outcome, &r.ErrorCode, &r.ErrorMessage,
		&stateHash, &prevHash, &r.TimestampUs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invocation %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	copy(r.StateHash[:], stateHash)
	copy(r.PrevHash[:], prevHash)
	return &r, nil
}

// GetJournalHistory returns journal entries touching account, newest first.
// When beforeSequence is set only entries below it are returned.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account address.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT journal_id, batch_id, tx_ref, sequence, journal_type, account, counterparty,
		       mint, amount::TEXT, prev_authority, new_authority, timestamp
		FROM custody.journal
		WHERE (account = $1 OR counterparty = $1)
	`
	args := []interface{}{account.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.TxRef, &e.Sequence, &e.JournalType, &e.Account, &e.Counterparty,
			&e.Mint, &e.Amount, &e.PrevAuthority, &e.NewAuthority, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks every ledger account record and, when Postgres is
// configured, the continuity of the logged hash chain.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{AsOfSequence: qs.asOf()}

	if err := qs.state.Ledger().ValidateAccounts(); err != nil {
		report.LedgerError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT i1.sequence
			FROM custody.invocations i1
			JOIN custody.invocations i2 ON i2.sequence = i1.sequence - 1
			WHERE i1.prev_hash != i2.state_hash
			ORDER BY i1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerError == ""
	return report, nil
}

// --- helpers ---

func (qs *QueryService) asOf() int64 {
	return qs.state.GetSequence() - 1
}

func (qs *QueryService) custody() (address.Address, uint8, error) {
	addr, nonce, err := address.FindProgramAddress([][]byte{qs.seed}, qs.programID)
	if err != nil {
		return address.Address{}, 0, fmt.Errorf("derive custody authority: %w", err)
	}
	return addr, nonce, nil
}

var _ StateReader = (*core.Executor)(nil)
