package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherSignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
		eventType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		body, signature, eventType = data, r.Header.Get(SignatureHeader), r.Header.Get(EventHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Notify(NoteEvent{Type: EventNotePublished, TokenID: "7", TxHash: "0x01"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return signature != ""
	}, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if !Verify([]byte("secret"), body, signature) {
		t.Fatalf("signature %q does not verify", signature)
	}
	if eventType != string(EventNotePublished) {
		t.Fatalf("unexpected event header %q", eventType)
	}
	var decoded NoteEvent
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TokenID != "7" || decoded.DeliveryID == "" || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Notify(NoteEvent{Type: EventNoteMinted, TokenID: "2"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected retries, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestNotifyAfterCloseFails(t *testing.T) {
	dispatcher, err := NewDispatcher("http://127.0.0.1:0", []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.Notify(NoteEvent{Type: EventNoteRevoked}); err == nil {
		t.Fatalf("expected error after close")
	}
}

type countingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingMetrics) ObserveDelivery(_, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result]++
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := &countingMetrics{results: map[string]int{}}
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	defer close(release)

	var dropped int
	for i := 0; i < 80; i++ {
		err := dispatcher.Notify(NoteEvent{Type: EventNotePublished, TokenID: "1"})
		switch {
		case errors.Is(err, ErrQueueFull):
			dropped++
		case err != nil:
			t.Fatalf("notify: %v", err)
		}
	}
	if dropped < 15 {
		t.Fatalf("expected at least 15 dropped events, got %d", dropped)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.results["dropped"] != dropped {
		t.Fatalf("expected %d dropped observations, got %d", dropped, metrics.results["dropped"])
	}
}

func TestCloseCountsUndeliveredEvents(t *testing.T) {
	received := make(chan struct{}, 8)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	metrics := &countingMetrics{results: map[string]int{}}
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := dispatcher.Notify(NoteEvent{Type: EventNoteMinted, TokenID: "9"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("first delivery never started")
	}
	dispatcher.Close()
	dispatcher.Close()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.results["dropped"] != 3 {
		t.Fatalf("expected 3 dropped observations, got %v", metrics.results)
	}
	if metrics.results["delivered"] != 0 {
		t.Fatalf("nothing should have been delivered, got %v", metrics.results)
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
