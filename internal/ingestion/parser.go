package ingestion

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/core"
	"CustodyBank/internal/runtime"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedMessage marks payloads that can never be executed. Callers
// should not redeliver them.
var ErrMalformedMessage = errors.New("malformed transaction message")

// MaxMessageSize bounds an inbound transaction payload.
const MaxMessageSize = 64 << 10

// TransactionMessage is the JSON wire format shared by NATS, HTTP and the
// invocation log. Keys are base58 and data is standard base64.
//
//	{
//	  "tx_id": "3f0c...",
//	  "program_id": "Bank111...",
//	  "accounts": [{"pubkey": "...", "is_signer": false, "is_writable": true}],
//	  "data": "AAwAAAAAAAAA..."
//	}
type TransactionMessage struct {
	TxID      uuid.UUID             `json:"tx_id"`
	ProgramID address.Address       `json:"program_id"`
	Accounts  []runtime.AccountMeta `json:"accounts"`
	Data      []byte                `json:"data"`
}

// ParseTransaction decodes and validates a wire message. source names the
// ingest path and receivedAt is stamped onto the transaction.
func ParseTransaction(data []byte, source string, receivedAt time.Time) (*core.Transaction, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMalformedMessage, len(data), MaxMessageSize)
	}

	var msg TransactionMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	tx := msg.Transaction(source, receivedAt)
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return tx, nil
}

// Transaction converts the message into an executor transaction.
func (m *TransactionMessage) Transaction(source string, receivedAt time.Time) *core.Transaction {
	return &core.Transaction{
		ID:         m.TxID,
		ProgramID:  m.ProgramID,
		Accounts:   m.Accounts,
		Data:       m.Data,
		Source:     source,
		ReceivedAt: receivedAt,
	}
}

// NewTransactionMessage is the inverse of TransactionMessage.Transaction.
func NewTransactionMessage(tx *core.Transaction) TransactionMessage {
	return TransactionMessage{
		TxID:      tx.ID,
		ProgramID: tx.ProgramID,
		Accounts:  tx.Accounts,
		Data:      tx.Data,
	}
}

// EncodeTransaction renders tx in the wire format.
func EncodeTransaction(tx *core.Transaction) ([]byte, error) {
	data, err := json.Marshal(NewTransactionMessage(tx))
	if err != nil {
		return nil, fmt.Errorf("marshal transaction %s: %w", tx.ID, err)
	}
	return data, nil
}
