package pinata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// CIDv1 (raw, sha2-256) of "note".
const testCID = "bafkreihnwrswequr4qcty3c6us36wmqn5r3t4effputlsxopavspryyq7a"

func TestUploadPinsMetadata(t *testing.T) {
	want := testCID
	var got pinRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinJSONToIPFS" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			t.Errorf("missing credentials")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: want, PinSize: 120})
	}))
	defer server.Close()

	client, err := New(Credentials{APIKey: "key", APISecret: "secret"}, WithEndpoint(server.URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	uri, err := client.Upload(context.Background(), NoteMetadata{
		Title:     "Limits",
		Content:   "epsilon-delta",
		Course:    "Mathematics",
		Topic:     "Calculus",
		Author:    "0xabc",
		Timestamp: "2024-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "ipfs://"+want {
		t.Fatalf("unexpected uri %s", uri)
	}
	if got.PinataOptions.CIDVersion != 1 {
		t.Fatalf("expected cid v1, got %d", got.PinataOptions.CIDVersion)
	}
	if got.PinataContent.Name != "Limits" || len(got.PinataContent.Attributes) != 4 {
		t.Fatalf("unexpected content %+v", got.PinataContent)
	}
	if got.PinataContent.Attributes[3].TraitType != "Created" {
		t.Fatalf("unexpected attribute order %+v", got.PinataContent.Attributes)
	}
}

func TestUploadRejectsInvalidCID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: "not-a-cid"})
	}))
	defer server.Close()

	client, err := New(Credentials{JWT: "token"}, WithEndpoint(server.URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.Upload(context.Background(), NoteMetadata{Title: "x"}); err == nil || !strings.Contains(err.Error(), "invalid cid") {
		t.Fatalf("expected invalid cid error, got %v", err)
	}
}

func TestUploadSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer auth")
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer server.Close()

	client, err := New(Credentials{JWT: "token"}, WithEndpoint(server.URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.Upload(context.Background(), NoteMetadata{Title: "x"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Credentials{APIKey: "only-key"}); err == nil {
		t.Fatalf("expected credentials error")
	}
}
