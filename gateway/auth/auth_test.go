package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReplayCacheCapacityEviction(t *testing.T) {
	cache := newReplayCache(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("nonce-%d", i)
		if cache.Seen(key, base) {
			t.Fatalf("expected first observation of %s to be new", key)
		}
	}
	if cache.Seen("nonce-3", base) {
		t.Fatalf("expected new key to be accepted after eviction")
	}
	if got := len(cache.entries); got != 3 {
		t.Fatalf("expected capacity to remain at 3, got %d", got)
	}
	if _, ok := cache.entries["nonce-0"]; ok {
		t.Fatalf("expected oldest nonce to be evicted")
	}
	if !cache.Seen("nonce-1", base) {
		t.Fatalf("expected recent nonce to be a duplicate")
	}
}

func TestReplayCacheExpiresOldEntries(t *testing.T) {
	cache := newReplayCache(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	cache.Seen("nonce-a", base)
	cache.Seen("nonce-b", base.Add(5*time.Second))

	future := base.Add(time.Minute)
	if cache.Seen("nonce-c", future) {
		t.Fatalf("expected new nonce to be accepted")
	}
	if _, ok := cache.entries["nonce-a"]; ok {
		t.Fatalf("expected nonce-a to be pruned")
	}
	if cache.Seen("nonce-b", future) {
		t.Fatalf("expected nonce-b to be new after expiry")
	}
}

func TestNewAuthenticatorClampsParameters(t *testing.T) {
	a := NewAuthenticator(map[string]string{"notegate": "secret", "blank": " "},
		WithClockSkew(15*time.Minute), WithNonceWindow(30*time.Minute, 1_000_000))
	if a.skew != maxClockSkew {
		t.Fatalf("expected skew %s, got %s", maxClockSkew, a.skew)
	}
	if a.window != maxNonceWindow {
		t.Fatalf("expected window %s, got %s", maxNonceWindow, a.window)
	}
	if a.entries != maxNonceEntries {
		t.Fatalf("expected capacity %d, got %d", maxNonceEntries, a.entries)
	}
	if _, ok := a.keys["blank"]; ok {
		t.Fatalf("blank secrets must be ignored")
	}
}

func signedRequest(t *testing.T, signer *Signer, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if err := signer.Sign(req, []byte(body)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req
}

func TestSignerRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	signer := NewSigner("notegate", "secret")
	signer.now = func() time.Time { return now }
	a := NewAuthenticator(map[string]string{"notegate": "secret"}, WithClock(func() time.Time { return now }))

	body := `{"tokenId":"1"}`
	req := signedRequest(t, signer, http.MethodPost, "http://registry/api/notes?b=2&a=1", body)
	principal, err := a.Authenticate(req, []byte(body))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.KeyID != "notegate" {
		t.Fatalf("unexpected principal %+v", principal)
	}

	if _, err := a.Authenticate(req, []byte(body)); err != ErrReplay {
		t.Fatalf("expected replay, got %v", err)
	}

	tampered := signedRequest(t, signer, http.MethodPost, "http://registry/api/notes", body)
	if _, err := a.Authenticate(tampered, []byte(`{"tokenId":"2"}`)); err != ErrBadSignature {
		t.Fatalf("expected bad signature, got %v", err)
	}

	other := NewSigner("notegate", "wrong")
	other.now = signer.now
	if _, err := a.Authenticate(signedRequest(t, other, http.MethodDelete, "http://registry/api/notes/1", ""), nil); err != ErrBadSignature {
		t.Fatalf("expected bad signature for wrong secret, got %v", err)
	}

	unknown := NewSigner("someone", "secret")
	unknown.now = signer.now
	if _, err := a.Authenticate(signedRequest(t, unknown, http.MethodDelete, "http://registry/api/notes/1", ""), nil); err != ErrUnknownKey {
		t.Fatalf("expected unknown key, got %v", err)
	}

	stale := NewSigner("notegate", "secret")
	stale.now = func() time.Time { return now.Add(-5 * time.Minute) }
	if _, err := a.Authenticate(signedRequest(t, stale, http.MethodPut, "http://registry/api/notes/1", "{}"), []byte("{}")); err != ErrStaleRequest {
		t.Fatalf("expected stale request, got %v", err)
	}

	if _, err := a.Authenticate(httptest.NewRequest(http.MethodPost, "http://registry/api/notes", nil), nil); err != ErrMissingHeaders {
		t.Fatalf("expected missing headers, got %v", err)
	}
}

func TestMiddlewareRestoresBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	signer := NewSigner("notegate", "secret")
	signer.now = func() time.Time { return now }
	a := NewAuthenticator(map[string]string{"notegate": "secret"}, WithClock(func() time.Time { return now }))

	var seenBody, seenKey string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seenBody = string(data)
		if p, ok := PrincipalFromContext(r.Context()); ok {
			seenKey = p.KeyID
		}
		w.WriteHeader(http.StatusCreated)
	}))

	body := `{"title":"Limits"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "http://registry/api/notes", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if seenBody != body || seenKey != "notegate" {
		t.Fatalf("unexpected downstream view body=%q key=%q", seenBody, seenKey)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://registry/api/notes", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"message"`) {
		t.Fatalf("expected message body, got %s", rec.Body.String())
	}
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	backend := newFakeNonceStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := WithClock(func() time.Time { return now })
	signer := NewSigner("notegate", "secret")
	signer.now = func() time.Time { return now }
	keys := map[string]string{"notegate": "secret"}
	payload := []byte("payload")
	req := signedRequest(t, signer, http.MethodPost, "http://registry/api/notes", string(payload))
	replay := func() *http.Request {
		clone := httptest.NewRequest(http.MethodPost, "http://registry/api/notes", nil)
		clone.Header = req.Header.Clone()
		return clone
	}

	first := NewAuthenticator(keys, clock, WithNonceStore(backend))
	if _, err := first.Authenticate(req, payload); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if backend.Count() != 1 {
		t.Fatalf("expected one persisted nonce, got %d", backend.Count())
	}

	restarted := NewAuthenticator(keys, clock, WithNonceStore(backend))
	if err := restarted.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := restarted.Authenticate(replay(), payload); err != ErrReplay {
		t.Fatalf("expected replay after hydration, got %v", err)
	}

	cold := NewAuthenticator(keys, clock, WithNonceStore(backend))
	if _, err := cold.Authenticate(replay(), payload); err != ErrReplay {
		t.Fatalf("expected replay via persistence, got %v", err)
	}
}

type fakeNonceStore struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{records: make(map[string]NonceRecord)}
}

func (f *fakeNonceStore) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.KeyID + "|" + record.Timestamp + "|" + record.Nonce
	if _, ok := f.records[key]; ok {
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakeNonceStore) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []NonceRecord
	for _, rec := range f.records {
		if !rec.ObservedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeNonceStore) PruneNonces(_ context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakeNonceStore) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
