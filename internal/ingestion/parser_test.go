package ingestion_test

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/testutil"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	testProgram  = address.Address{0xB0}
	testReceiver = address.Address{0x01}
	testDeposit  = address.Address{0x02}
	testPayer    = address.Address{0x03}
)

func depositPayload(t *testing.T) map[string]interface{} {
	t.Helper()
	data, err := bank.NewDeposit(12, "for rent")
	if err != nil {
		t.Fatalf("build instruction: %v", err)
	}
	accounts := make([]map[string]interface{}, 0, 6)
	for _, m := range bank.DepositAccounts(testReceiver, testDeposit, testPayer) {
		accounts = append(accounts, map[string]interface{}{
			"pubkey":      m.Key.String(),
			"is_signer":   m.IsSigner,
			"is_writable": m.IsWritable,
		})
	}
	return map[string]interface{}{
		"tx_id":      "550e8400-e29b-41d4-a716-446655440000",
		"program_id": testProgram.String(),
		"accounts":   accounts,
		"data":       base64.StdEncoding.EncodeToString(data),
	}
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseTransaction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tx, err := ingestion.ParseTransaction(encode(t, depositPayload(t)), "nats", now)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if tx.ID != uuid.MustParse("550e8400-e29b-41d4-a716-446655440000") {
		t.Errorf("tx id: got %s", tx.ID)
	}
	if tx.ProgramID != testProgram {
		t.Errorf("program id: got %s", tx.ProgramID)
	}
	if len(tx.Accounts) != 6 {
		t.Fatalf("accounts: got %d, want 6", len(tx.Accounts))
	}
	if !tx.Accounts[2].IsSigner || tx.Accounts[2].Key != testPayer {
		t.Errorf("payer meta: %+v", tx.Accounts[2])
	}
	if !tx.Accounts[0].IsWritable || tx.Accounts[3].IsWritable {
		t.Errorf("writable flags not preserved")
	}
	if tx.Source != "nats" || !tx.ReceivedAt.Equal(now) {
		t.Errorf("source/received_at: %s %v", tx.Source, tx.ReceivedAt)
	}

	ix, err := bank.Decode(tx.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ix.Kind != bank.KindDeposit || ix.Amount != 12 || ix.Note != "for rent" {
		t.Errorf("instruction: %+v", ix)
	}
}

func TestParseTransaction_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"bad tx id", func(p map[string]interface{}) { p["tx_id"] = "not-a-uuid" }},
		{"missing tx id", func(p map[string]interface{}) { delete(p, "tx_id") }},
		{"bad program id", func(p map[string]interface{}) { p["program_id"] = "0OIl" }},
		{"missing program id", func(p map[string]interface{}) { delete(p, "program_id") }},
		{"bad base64", func(p map[string]interface{}) { p["data"] = "***" }},
		{"unknown field", func(p map[string]interface{}) { p["signature"] = "x" }},
		{"bad account key", func(p map[string]interface{}) {
			p["accounts"] = []map[string]interface{}{{"pubkey": "short", "is_signer": false, "is_writable": true}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := depositPayload(t)
			tt.mutate(p)
			_, err := ingestion.ParseTransaction(encode(t, p), "nats", time.Now())
			if !errors.Is(err, ingestion.ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestParseTransaction_TooLarge(t *testing.T) {
	big := []byte(`{"data":"` + strings.Repeat("A", ingestion.MaxMessageSize) + `"}`)
	if _, err := ingestion.ParseTransaction(big, "http", time.Now()); !errors.Is(err, ingestion.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestParseTransaction_InstructionDataNotInspected(t *testing.T) {
	// Undecodable instruction data is the program's concern; the envelope is valid.
	p := depositPayload(t)
	p["data"] = base64.StdEncoding.EncodeToString([]byte{9, 9})
	if _, err := ingestion.ParseTransaction(encode(t, p), "nats", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodeTransaction_RoundTrip(t *testing.T) {
	tx, err := ingestion.ParseTransaction(encode(t, depositPayload(t)), "grpc", time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := ingestion.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := ingestion.ParseTransaction(data, "replay", time.Now())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.ID != tx.ID || back.ProgramID != tx.ProgramID || string(back.Data) != string(tx.Data) {
		t.Error("transaction changed across encode/parse")
	}
	for i := range tx.Accounts {
		if back.Accounts[i] != tx.Accounts[i] {
			t.Errorf("account %d changed: %+v vs %+v", i, back.Accounts[i], tx.Accounts[i])
		}
	}
}

func TestTransactionMessage_Golden(t *testing.T) {
	data, err := bank.NewDeposit(12, "for rent")
	if err != nil {
		t.Fatalf("build instruction: %v", err)
	}
	tx := &core.Transaction{
		ID:        uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		ProgramID: testProgram,
		Accounts:  bank.DepositAccounts(testReceiver, testDeposit, testPayer),
		Data:      data,
	}

	got, err := json.MarshalIndent(ingestion.NewTransactionMessage(tx), "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	testutil.AssertGolden(t, "deposit_message.golden", append(got, '\n'))

	parsed, err := ingestion.ParseTransaction(testutil.GoldenFile(t, "deposit_message.golden"), "nats", time.Now())
	if err != nil {
		t.Fatalf("parse golden: %v", err)
	}
	if parsed.ID != tx.ID || len(parsed.Accounts) != 6 || string(parsed.Data) != string(data) {
		t.Errorf("golden round trip: %+v", parsed)
	}
}
