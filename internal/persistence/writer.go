package persistence

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InvocationLogWriter writes executed invocations and their journals to
// Postgres using multi-row INSERT. Writes are idempotent on the primary key.
type InvocationLogWriter struct{}

// InvocationRow represents a row in custody.invocations
type InvocationRow struct {
	Sequence     int64
	TxID         uuid.UUID
	ProgramID    string
	Status       string
	Outcome      string
	ErrorCode    int64
	ErrorMessage string
	Payload      []byte // wire-format transaction, replayable
	StateHash    []byte
	PrevHash     []byte
	Timestamp    time.Time
}

// JournalRow represents a row in custody.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	TxRef         string
	Sequence      int64
	JournalType   string
	Account       string
	Counterparty  string
	Mint          string
	Amount        string // NUMERIC(20,0); u64 overflows BIGINT
	PrevAuthority string
	NewAuthority  string
	Timestamp     int64
}

// RowsFromOutput converts one executor output into its log rows.
func RowsFromOutput(out core.Output) (InvocationRow, []JournalRow, error) {
	if out.Receipt == nil || out.Transaction == nil {
		return InvocationRow{}, nil, errors.New("output without transaction or receipt")
	}
	r := out.Receipt
	payload, err := ingestion.EncodeTransaction(out.Transaction)
	if err != nil {
		return InvocationRow{}, nil, err
	}

	inv := InvocationRow{
		Sequence:     r.Sequence,
		TxID:         r.TxID,
		ProgramID:    r.ProgramID.String(),
		Status:       r.Status.String(),
		Outcome:      r.Outcome.String(),
		ErrorCode:    int64(r.ErrorCode),
		ErrorMessage: r.ErrorMessage,
		Payload:      payload,
		StateHash:    r.StateHash[:],
		PrevHash:     r.PrevHash[:],
		Timestamp:    time.UnixMicro(r.Timestamp).UTC(),
	}

	if out.Batch == nil {
		return inv, nil, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			TxRef:         j.TxRef,
			Sequence:      j.Sequence,
			JournalType:   j.JournalType.String(),
			Account:       j.Account.String(),
			Counterparty:  j.Counterparty.String(),
			Mint:          j.Mint.String(),
			Amount:        strconv.FormatUint(j.Amount, 10),
			PrevAuthority: j.PrevAuthority.String(),
			NewAuthority:  j.NewAuthority.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return inv, journals, nil
}

// WriteInvocationBatch writes a batch of rows to custody.invocations.
func (w *InvocationLogWriter) WriteInvocationBatch(ctx context.Context, db execer, rows []InvocationRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO custody.invocations
		(sequence, tx_id, program_id, status, outcome, error_code, error_message, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.Sequence, r.TxID, r.ProgramID, r.Status, r.Outcome, r.ErrorCode,
			r.ErrorMessage, r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of rows to custody.journal.
func (w *InvocationLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO custody.journal
		(journal_id, batch_id, tx_ref, sequence, journal_type, account, counterparty, mint, amount, prev_authority, new_authority, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.TxRef, j.Sequence, j.JournalType,
			j.Account, j.Counterparty, j.Mint, j.Amount,
			j.PrevAuthority, j.NewAuthority, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
