package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts csv, jsonl or parquet. Empty selects csv.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("exports: unknown format %q", raw)
	}
}

// ContentType is the media type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "text/csv"
	}
}

// Transaction is one journaled submission flattened for export.
type Transaction struct {
	ID          string
	Operation   string
	TxHash      string
	From        string
	TokenID     string
	Gas         uint64
	GasPrice    string
	Value       string
	Status      string
	Detail      string
	SubmittedAt time.Time
	ResolvedAt  *time.Time
}

// Encode serialises rows in format and returns the payload with its SHA-256 checksum.
func Encode(format Format, rows []Transaction) ([]byte, string, error) {
	switch format {
	case FormatJSONL:
		return TransactionsJSONL(rows)
	case FormatParquet:
		return TransactionsParquet(rows)
	default:
		return TransactionsCSV(rows)
	}
}

var csvHeader = []string{"id", "operation", "tx_hash", "from", "token_id", "gas", "gas_price", "value", "status", "detail", "submitted_at", "resolved_at"}

// TransactionsCSV builds a CSV export of the supplied submissions.
func TransactionsCSV(rows []Transaction) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Operation,
			row.TxHash,
			row.From,
			row.TokenID,
			strconv.FormatUint(row.Gas, 10),
			row.GasPrice,
			row.Value,
			row.Status,
			row.Detail,
			formatTime(&row.SubmittedAt),
			formatTime(row.ResolvedAt),
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return withChecksum(buffer.Bytes())
}

// TransactionsJSONL builds a JSON Lines export of the supplied submissions.
func TransactionsJSONL(rows []Transaction) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"id":           row.ID,
			"operation":    row.Operation,
			"tx_hash":      row.TxHash,
			"from":         row.From,
			"token_id":     row.TokenID,
			"gas":          row.Gas,
			"gas_price":    row.GasPrice,
			"value":        row.Value,
			"status":       row.Status,
			"detail":       row.Detail,
			"submitted_at": formatTime(&row.SubmittedAt),
			"resolved_at":  formatTime(row.ResolvedAt),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return withChecksum(buffer.Bytes())
}

type parquetRow struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operation   string `parquet:"name=operation, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash      string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	From        string `parquet:"name=from, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenID     string `parquet:"name=token_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gas         int64  `parquet:"name=gas, type=INT64"`
	GasPrice    string `parquet:"name=gas_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value       string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail      string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubmittedAt string `parquet:"name=submitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ResolvedAt  string `parquet:"name=resolved_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// TransactionsParquet builds a snappy-compressed Parquet export of the supplied submissions.
func TransactionsParquet(rows []Transaction) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(buffer), new(parquetRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			ID:          row.ID,
			Operation:   row.Operation,
			TxHash:      row.TxHash,
			From:        row.From,
			TokenID:     row.TokenID,
			Gas:         int64(row.Gas),
			GasPrice:    row.GasPrice,
			Value:       row.Value,
			Status:      row.Status,
			Detail:      row.Detail,
			SubmittedAt: formatTime(&row.SubmittedAt),
			ResolvedAt:  formatTime(row.ResolvedAt),
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	return withChecksum(buffer.Bytes())
}

func withChecksum(data []byte) ([]byte, string, error) {
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
