// Package notes is the HTTP client for the note registry (/api/notes).
package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound is returned when the registry has no record for a tokenId.
var ErrNotFound = errors.New("notes: note not found")

// Record is an off-chain note. MaxSupplyInWei is a copy count despite its name.
type Record struct {
	TokenID        string    `json:"tokenId"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Course         string    `json:"course,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	Author         string    `json:"author"`
	Timestamp      time.Time `json:"timestamp"`
	PriceInWei     string    `json:"priceInWei,omitempty"`
	MaxSupplyInWei string    `json:"maxSupplyInWei,omitempty"`
	TokenURI       string    `json:"tokenURI,omitempty"`
	ContentHash    string    `json:"contentHash"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title          *string `json:"title,omitempty"`
	Content        *string `json:"content,omitempty"`
	Course         *string `json:"course,omitempty"`
	Topic          *string `json:"topic,omitempty"`
	PriceInWei     *string `json:"priceInWei,omitempty"`
	MaxSupplyInWei *string `json:"maxSupplyInWei,omitempty"`
	TokenURI       *string `json:"tokenURI,omitempty"`
}

// DeleteResult is the registry's delete response.
type DeleteResult struct {
	Success bool   `json:"success"`
	Note    Record `json:"note"`
}

// APIError is a non-2xx registry response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notes: registry returned %d: %s", e.Status, e.Message)
}

// Registry is the CRUD surface the publishing flow consumes.
type Registry interface {
	List(ctx context.Context) ([]Record, error)
	Create(ctx context.Context, record Record) (Record, error)
	Get(ctx context.Context, tokenID string) (Record, error)
	Update(ctx context.Context, tokenID string, patch Patch) (Record, error)
	Delete(ctx context.Context, tokenID string) (DeleteResult, error)
}

// Client talks to a registry over HTTP JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	signer     RequestSigner
}

// RequestSigner authenticates outgoing write requests.
type RequestSigner interface {
	Sign(req *http.Request, body []byte) error
}

var _ Registry = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sets a bearer token sent with every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithSigner signs every non-GET request.
func WithSigner(signer RequestSigner) Option {
	return func(c *Client) {
		c.signer = signer
	}
}

// New initialises a client rooted at baseURL (for example http://localhost:5000).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("notes: base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("notes: parse base url: %w", err)
	}
	c := &Client{baseURL: trimmed}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

// List returns every record, newest first.
func (c *Client) List(ctx context.Context) ([]Record, error) {
	var out []Record
	if err := c.do(ctx, http.MethodGet, "/api/notes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create stores a new record.
func (c *Client) Create(ctx context.Context, record Record) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPost, "/api/notes", record, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, tokenID string) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, notePath(tokenID), nil, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Update applies patch and returns the stored record.
func (c *Client) Update(ctx context.Context, tokenID string, patch Patch) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPut, notePath(tokenID), patch, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Delete removes a record and returns it.
func (c *Client) Delete(ctx context.Context, tokenID string) (DeleteResult, error) {
	var out DeleteResult
	if err := c.do(ctx, http.MethodDelete, notePath(tokenID), nil, &out); err != nil {
		return DeleteResult{}, err
	}
	return out, nil
}

func notePath(tokenID string) string {
	return "/api/notes/" + url.PathEscape(strings.TrimSpace(tokenID))
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var (
		reader  io.Reader
		payload []byte
	)
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notes: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("notes: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.signer != nil && method != http.MethodGet {
		if err := c.signer.Sign(req, payload); err != nil {
			return fmt.Errorf("notes: sign request: %w", err)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notes: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope struct {
			Message string `json:"message"`
		}
		message := strings.TrimSpace(string(data))
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Message != "" {
			message = envelope.Message
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("notes: decode response: %w", err)
	}
	return nil
}
