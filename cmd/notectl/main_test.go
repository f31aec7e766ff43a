package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"notegate/crypto"
	"notegate/wallet/passphrase"
)

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "keystore-import") {
		t.Fatalf("usage missing commands: %s", stderr.String())
	}

	stderr.Reset()
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.HasPrefix(stderr.String(), "Unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestNotesUsesProfile(t *testing.T) {
	t.Setenv(profileEnv, "")
	var gotAuth, gotViewer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotViewer = r.URL.Query().Get("viewer")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"notes": []map[string]any{
				{"tokenId": "1", "title": "Limits", "course": "Mathematics", "priceInWei": "10000000000000000", "maxSupplyInWei": "10"},
				{"tokenId": "2", "title": "Optics", "course": "Physics", "priceInWei": "500000000000000000", "maxSupplyInWei": "3"},
			},
			"access": map[string]any{"entries": map[string]bool{"1": true}},
		})
	}))
	defer srv.Close()

	profilePath := filepath.Join(t.TempDir(), "notectl.toml")
	viewer := "0x00000000000000000000000000000000000000aa"
	profile := "Endpoint = \"" + srv.URL + "/\"\nToken = \"secret-token\"\nViewer = \"" + viewer + "\"\n"
	if err := os.WriteFile(profilePath, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"notes", "-profile", profilePath}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected authorization %q", gotAuth)
	}
	if gotViewer != viewer {
		t.Fatalf("unexpected viewer %q", gotViewer)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", stdout.String())
	}
	if !strings.Contains(lines[1], "0.01") || !strings.HasSuffix(lines[1], "unlocked") {
		t.Fatalf("unexpected first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "locked") || strings.HasSuffix(lines[2], "unlocked") {
		t.Fatalf("unexpected second row %q", lines[2])
	}
}

func TestMintReportsPendingHash(t *testing.T) {
	t.Setenv(profileEnv, "")
	hash := "0x" + strings.Repeat("ab", 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/notes/7/mint" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"kind":      "NetworkRpcError",
			"message":   "Network RPC error.",
			"operation": "mintNote",
			"txHash":    hash,
		})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"mint", "-endpoint", srv.URL, "-id", "7"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "NetworkRpcError") || !strings.Contains(stderr.String(), "notectl tx "+hash) {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestWriteCommandsValidateLocally(t *testing.T) {
	t.Setenv(profileEnv, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	cases := [][]string{
		{"mint", "-endpoint", srv.URL, "-id", "seven"},
		{"toggle", "-endpoint", srv.URL},
		{"price", "-endpoint", srv.URL, "-id", "1", "-price", "abc"},
		{"revoke", "-endpoint", srv.URL, "-id", "-1"},
	}
	for _, args := range cases {
		var stdout, stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 1 {
			t.Fatalf("%v: expected exit 1, got %d", args, code)
		}
		if !strings.HasPrefix(stderr.String(), "Error: ") {
			t.Fatalf("%v: unexpected stderr %q", args, stderr.String())
		}
	}
}

func TestPriceSendsBody(t *testing.T) {
	t.Setenv(profileEnv, "")
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/notes/4/price" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"outcome": map[string]any{"operation": "updateNotePrice", "success": map[string]any{"txHash": "0x05", "blockNumber": 12}},
			"record":  map[string]any{"tokenId": "4", "title": "Cells", "priceInWei": "250000000000000000"},
		})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"price", "-endpoint", srv.URL, "-id", "4", "-price", "0.25"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if body["price"] != "0.25" {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(stdout.String(), "updateNotePrice confirmed in tx 0x05 (block 12)") {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "price 0.25 EDU") {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestKeystoreImport(t *testing.T) {
	t.Setenv(profileEnv, "")
	original := newPassphraseSource
	newPassphraseSource = func(string) *passphrase.Source { return passphrase.Static("correct horse") }
	defer func() { newPassphraseSource = original }()

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("NOTECTL_TEST_KEY", "0x"+hex.EncodeToString(key.Bytes()))
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	args := []string{"keystore-import", "-dir", dir, "-key-env", "NOTECTL_TEST_KEY"}
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	keys, err := crypto.LoadKeystoreDir(dir, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if len(keys) != 1 || keys[0].Address() != key.Address() {
		t.Fatalf("unexpected keystore contents")
	}

	stderr.Reset()
	if code := run(args, &stdout, &stderr); code != 1 {
		t.Fatalf("expected overwrite refusal, got %d", code)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestExportWritesFile(t *testing.T) {
	t.Setenv(profileEnv, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tx/export" || r.URL.Query().Get("format") != "jsonl" || r.URL.Query().Get("status") != "pending" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("X-Export-Checksum", "abc123")
		_, _ = w.Write([]byte("{\"status\":\"pending\"}\n"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "tx.jsonl")
	var stdout, stderr bytes.Buffer
	code := run([]string{"export", "-endpoint", srv.URL, "-format", "jsonl", "-status", "pending", "-out", out}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != "{\"status\":\"pending\"}\n" {
		t.Fatalf("unexpected export %q", data)
	}
	if !strings.Contains(stdout.String(), "sha256 abc123") {
		t.Fatalf("missing checksum: %s", stdout.String())
	}
}
