package exports

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleTransaction(status string) Transaction {
	resolved := time.Unix(1700000300, 0).UTC()
	tx := Transaction{
		ID:          "c7d4b1de-6a6c-4b7c-9a51-43c0c8f3b2a1",
		Operation:   "mint",
		TxHash:      "0x" + strings.Repeat("ab", 32),
		From:        "0x1111111111111111111111111111111111111111",
		TokenID:     "3",
		Gas:         120000,
		GasPrice:    "22000000000",
		Value:       "10000000000000000",
		Status:      status,
		SubmittedAt: time.Unix(1700000000, 0).UTC(),
	}
	if status != "pending" {
		tx.ResolvedAt = &resolved
	}
	return tx
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"": FormatCSV, "CSV": FormatCSV, "jsonl": FormatJSONL, " parquet ": FormatParquet} {
		got, err := ParseFormat(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", raw, got, want)
		}
	}
	if _, err := ParseFormat("xlsx"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestTransactionsCSV(t *testing.T) {
	data, checksum, err := TransactionsCSV([]Transaction{sampleTransaction("confirmed"), sampleTransaction("pending")})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || len(checksum) != 64 {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, "id,operation,tx_hash,from,token_id,gas,gas_price,value,status,detail,submitted_at,resolved_at\n") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, ",confirmed,,2023-11-14T22:13:20Z,2023-11-14T22:18:20Z") {
		t.Fatalf("missing resolved row: %s", output)
	}
	if !strings.Contains(output, ",pending,,2023-11-14T22:13:20Z,\n") {
		t.Fatalf("missing pending row: %s", output)
	}
}

func TestTransactionsJSONL(t *testing.T) {
	data, checksum, err := TransactionsJSONL([]Transaction{sampleTransaction("failed")})
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	output := string(data)
	if !strings.Contains(output, "\"status\":\"failed\"") || !strings.Contains(output, "\"gas\":120000") {
		t.Fatalf("unexpected payload: %s", output)
	}
	if strings.Count(output, "\n") != 1 {
		t.Fatalf("expected one line: %q", output)
	}
}

func TestTransactionsParquet(t *testing.T) {
	data, checksum, err := Encode(FormatParquet, []Transaction{sampleTransaction("confirmed")})
	if err != nil {
		t.Fatalf("parquet: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	magic := []byte("PAR1")
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("output is not a parquet file")
	}
}

func TestChecksumIsStable(t *testing.T) {
	rows := []Transaction{sampleTransaction("confirmed")}
	_, first, err := Encode(FormatCSV, rows)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	_, second, err := Encode(FormatCSV, rows)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if first != second {
		t.Fatalf("checksum changed between runs")
	}
}
