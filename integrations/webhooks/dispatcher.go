// Package webhooks delivers signed note lifecycle events to an operator endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EventType names a note lifecycle event.
type EventType string

const (
	EventNotePublished EventType = "note.published"
	EventNoteMinted    EventType = "note.minted"
	EventNoteRevoked   EventType = "note.revoked"
	EventNoteRepriced  EventType = "note.repriced"

	// SignatureHeader carries "sha256=<hex hmac>" of the body.
	SignatureHeader = "X-Notegate-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-Notegate-Event"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// ErrQueueFull is returned by Notify when the delivery queue has no room. The event is dropped.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// NoteEvent is the webhook body.
type NoteEvent struct {
	Type       EventType `json:"type"`
	TokenID    string    `json:"tokenId"`
	TxHash     string    `json:"txHash,omitempty"`
	Account    string    `json:"account,omitempty"`
	TokenURI   string    `json:"tokenURI,omitempty"`
	PriceInWei string    `json:"priceInWei,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Notifier accepts events for asynchronous delivery.
type Notifier interface {
	Notify(event NoteEvent) error
}

// Metrics receives delivery results.
type Metrics interface {
	ObserveDelivery(event, result string)
}

// Dispatcher delivers events from a queue with exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
	metrics     Metrics

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var _ Notifier = (*Dispatcher)(nil)

type delivery struct {
	eventType EventType
	id        string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records delivery results.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher constructs a dispatcher and starts its worker.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint: endpoint,
		secret:   append([]byte(nil), secret...),
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default().With("component", "webhooks"),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the worker. The interrupted delivery and every
// event still queued are observed as dropped.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	var discarded int
	for {
		select {
		case job := <-d.queue:
			d.observe(job, "dropped")
			discarded++
		default:
			if discarded > 0 {
				d.logger.Warn("webhook events discarded on shutdown", slog.Int("count", discarded))
			}
			return
		}
	}
}

// Notify queues event without blocking. Missing timestamps and delivery ids are filled in.
func (d *Dispatcher) Notify(event NoteEvent) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if event.Type == "" {
		return errors.New("webhook: event type required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.DeliveryID == "" {
		event.DeliveryID = uuid.NewString()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("webhook: dispatcher closed")
	}
	job := delivery{eventType: event.Type, id: event.DeliveryID, body: data}
	select {
	case d.queue <- job:
		return nil
	default:
		d.observe(job, "dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.observe(job, "delivered")
			return
		}
		if d.ctx.Err() != nil {
			d.observe(job, "dropped")
			return
		}
		if attempt >= d.maxAttempts {
			d.observe(job, "abandoned")
			d.logger.Error("webhook delivery abandoned",
				slog.String("event", string(job.eventType)),
				slog.String("delivery_id", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.observe(job, "dropped")
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) observe(job delivery, result string) {
	if d.metrics != nil {
		d.metrics.ObserveDelivery(string(job.eventType), result)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(job.eventType))
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
