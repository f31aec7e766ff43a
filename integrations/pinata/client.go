// Package pinata pins note metadata to IPFS through the Pinata pinning API.
package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultEndpoint is the Pinata API root.
const DefaultEndpoint = "https://api.pinata.cloud"

// NoteMetadata is the note content published as ERC-1155 style token metadata.
type NoteMetadata struct {
	Title     string
	Content   string
	Course    string
	Topic     string
	Author    string
	Timestamp string
}

// Attribute is one metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// TokenMetadata is the JSON document pinned for each note.
type TokenMetadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Attributes  []Attribute `json:"attributes"`
}

// Token renders m in the pinned document layout.
func (m NoteMetadata) Token() TokenMetadata {
	return TokenMetadata{
		Name:        m.Title,
		Description: m.Content,
		Attributes: []Attribute{
			{TraitType: "Course", Value: m.Course},
			{TraitType: "Topic", Value: m.Topic},
			{TraitType: "Author", Value: m.Author},
			{TraitType: "Created", Value: m.Timestamp},
		},
	}
}

// Credentials authenticate against Pinata. A JWT takes precedence over the key pair.
type Credentials struct {
	APIKey    string
	APISecret string
	JWT       string
}

func (c Credentials) valid() bool {
	return strings.TrimSpace(c.JWT) != "" || (strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != "")
}

// Uploader pins metadata and returns an ipfs:// URI.
type Uploader interface {
	Upload(ctx context.Context, meta NoteMetadata) (string, error)
}

// Client is a Pinata API client.
type Client struct {
	endpoint   string
	creds      Credentials
	httpClient *http.Client
}

var _ Uploader = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithEndpoint overrides the API root.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/"); trimmed != "" {
			c.endpoint = trimmed
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// New constructs a client.
func New(creds Credentials, opts ...Option) (*Client, error) {
	if !creds.valid() {
		return nil, errors.New("pinata: api key and secret or jwt required")
	}
	c := &Client{
		endpoint: DefaultEndpoint,
		creds:    creds,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type pinRequest struct {
	PinataContent  TokenMetadata `json:"pinataContent"`
	PinataMetadata pinName       `json:"pinataMetadata"`
	PinataOptions  pinataOptions `json:"pinataOptions"`
}

type pinName struct {
	Name string `json:"name,omitempty"`
}

type pinataOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Upload pins meta with CID v1 and returns ipfs://<cid>.
func (c *Client) Upload(ctx context.Context, meta NoteMetadata) (string, error) {
	if strings.TrimSpace(meta.Title) == "" {
		return "", errors.New("pinata: title required")
	}
	body, err := json.Marshal(pinRequest{
		PinataContent:  meta.Token(),
		PinataMetadata: pinName{Name: meta.Title},
		PinataOptions:  pinataOptions{CIDVersion: 1},
	})
	if err != nil {
		return "", fmt.Errorf("pinata: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pinata: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt := strings.TrimSpace(c.creds.JWT); jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	} else {
		req.Header.Set("pinata_api_key", c.creds.APIKey)
		req.Header.Set("pinata_secret_api_key", c.creds.APISecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("pinata: upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var decoded pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("pinata: decode response: %w", err)
	}
	parsed, err := cid.Decode(decoded.IpfsHash)
	if err != nil {
		return "", fmt.Errorf("pinata: invalid cid %q: %w", decoded.IpfsHash, err)
	}
	return "ipfs://" + parsed.String(), nil
}
