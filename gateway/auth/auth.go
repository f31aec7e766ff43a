// Package auth signs and verifies registry write requests with a shared HMAC key.
package auth

import (
	"bytes"
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderKeyID     = "X-Notes-Key"
	HeaderTimestamp = "X-Notes-Timestamp"
	HeaderNonce     = "X-Notes-Nonce"
	HeaderSignature = "X-Notes-Signature"

	// MaxBodyForSignature bounds the body hashed per request.
	MaxBodyForSignature int = 1 << 20

	maxClockSkew        = 2 * time.Minute
	maxNonceWindow      = 10 * time.Minute
	defaultNonceEntries = 4096
	maxNonceEntries     = 65536
	pruneInterval       = time.Minute
)

var (
	ErrMissingHeaders = errors.New("missing signature headers")
	ErrUnknownKey     = errors.New("unknown key id")
	ErrBadSignature   = errors.New("invalid signature")
	ErrStaleRequest   = errors.New("timestamp outside allowed skew")
	ErrReplay         = errors.New("nonce already used")
)

// Principal identifies the verified caller.
type Principal struct {
	KeyID string
}

// NonceRecord is one observed (key, timestamp, nonce) triple.
type NonceRecord struct {
	KeyID      string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceStore persists observed nonces so replays are caught across restarts.
type NonceStore interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithClockSkew bounds how far a request timestamp may drift. Values above two minutes are clamped.
func WithClockSkew(skew time.Duration) Option {
	return func(a *Authenticator) {
		if skew > 0 {
			a.skew = min(skew, maxClockSkew)
		}
	}
}

// WithNonceWindow sets how long nonces are remembered. Values above ten minutes are clamped.
func WithNonceWindow(window time.Duration, entries int) Option {
	return func(a *Authenticator) {
		if window > 0 {
			a.window = min(window, maxNonceWindow)
		}
		if entries > 0 {
			a.entries = min(entries, maxNonceEntries)
		}
	}
}

// WithNonceStore persists nonces.
func WithNonceStore(store NonceStore) Option {
	return func(a *Authenticator) { a.store = store }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Authenticator verifies signed requests against a set of shared keys.
type Authenticator struct {
	keys    map[string]string
	skew    time.Duration
	window  time.Duration
	entries int
	now     func() time.Time
	store   NonceStore
	logger  *slog.Logger

	mu         sync.Mutex
	caches     map[string]*replayCache
	lastSeen   map[string]int64
	lastPruned time.Time
}

// NewAuthenticator builds an Authenticator for keys (key id to secret).
func NewAuthenticator(keys map[string]string, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys:     make(map[string]string, len(keys)),
		skew:     maxClockSkew,
		window:   maxNonceWindow,
		entries:  defaultNonceEntries,
		now:      time.Now,
		logger:   slog.Default().With("component", "registry-auth"),
		caches:   make(map[string]*replayCache),
		lastSeen: make(map[string]int64),
	}
	for id, secret := range keys {
		if id, secret = strings.TrimSpace(id), strings.TrimSpace(secret); id != "" && secret != "" {
			a.keys[id] = secret
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate checks the signature headers on r against body.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	keyID := strings.TrimSpace(r.Header.Get(HeaderKeyID))
	stamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if keyID == "" || stamp == "" || nonce == "" || signature == "" {
		return nil, ErrMissingHeaders
	}
	secret, ok := a.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	ts := time.Unix(secs, 0).UTC()
	now := a.now().UTC()
	if drift := now.Sub(ts); drift > a.skew || drift < -a.skew {
		return nil, ErrStaleRequest
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(provided, ComputeSignature(secret, stamp, nonce, r.Method, CanonicalRequestPath(r), body)) {
		return nil, ErrBadSignature
	}
	replayed, err := a.registerNonce(r.Context(), keyID, stamp, nonce, now)
	if err != nil {
		return nil, err
	}
	if replayed || a.timestampReplayed(keyID, secs, now) {
		return nil, ErrReplay
	}
	return &Principal{KeyID: keyID}, nil
}

// HydrateNonces loads persisted nonces observed after cutoff into memory.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a.store == nil {
		return nil
	}
	records, err := a.store.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if rec.KeyID == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cache(rec.KeyID).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

// Middleware rejects unsigned or replayed requests with 401 and restores the body for next.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		_ = r.Body.Close()
		if err != nil {
			unauthorized(w, "unreadable body")
			return
		}
		principal, err := a.Authenticate(r, body)
		if err != nil {
			a.logger.Warn("registry write rejected",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			unauthorized(w, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r = r.WithContext(context.WithValue(r.Context(), principalKey{}, principal))
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

// PrincipalFromContext returns the caller verified by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func (a *Authenticator) registerNonce(ctx context.Context, keyID, stamp, nonce string, now time.Time) (bool, error) {
	cache := a.cache(keyID)
	entry := stamp + "|" + nonce
	if cache.Contains(entry, now) {
		return true, nil
	}
	if a.store != nil {
		if err := a.prune(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.store.EnsureNonce(ctx, NonceRecord{KeyID: keyID, Timestamp: stamp, Nonce: nonce, ObservedAt: now})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(entry, now)
			return true, nil
		}
	}
	cache.Add(entry, now)
	return false, nil
}

func (a *Authenticator) prune(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	due := a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= pruneInterval
	if due {
		a.lastPruned = now
	}
	a.mu.Unlock()
	if !due {
		return nil
	}
	if err := a.store.PruneNonces(ctx, now.Add(-a.window)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	return nil
}

// timestampReplayed enforces strictly increasing timestamps per key inside the skew window.
func (a *Authenticator) timestampReplayed(keyID string, secs int64, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSeen[keyID]
	if ok && time.Unix(last, 0).After(now.Add(-a.skew)) && secs < last {
		return true
	}
	if !ok || secs > last {
		a.lastSeen[keyID] = secs
	}
	return false
}

func (a *Authenticator) cache(keyID string) *replayCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caches[keyID]
	if !ok {
		c = newReplayCache(a.window, a.entries)
		a.caches[keyID] = c
	}
	return c
}

// Signer attaches signature headers to outgoing requests.
type Signer struct {
	keyID  string
	secret string
	now    func() time.Time
}

// NewSigner returns a Signer for the given key.
func NewSigner(keyID, secret string) *Signer {
	return &Signer{keyID: strings.TrimSpace(keyID), secret: strings.TrimSpace(secret), now: time.Now}
}

// Sign sets the signature headers for req carrying body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Errorf("auth: nonce: %w", err)
	}
	stamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := hex.EncodeToString(raw[:])
	req.Header.Set(HeaderKeyID, s.keyID)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature(s.secret, stamp, nonce, req.Method, CanonicalRequestPath(req), body)))
	return nil
}

// CanonicalRequestPath is the path plus the sorted raw query.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature is HMAC-SHA256 over timestamp, nonce, method, path and body joined by newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// replayCache is a bounded LRU of nonces observed within a TTL.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	at  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether key was observed within the TTL, recording it when new.
func (c *replayCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	if _, ok := c.entries[key]; ok {
		return true
	}
	c.insert(key, now)
	return false
}

// Contains reports whether key was observed within the TTL.
func (c *replayCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	_, ok := c.entries[key]
	return ok
}

// Add records key.
func (c *replayCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	c.insert(key, now)
}

func (c *replayCache) insert(key string, now time.Time) {
	if elem, ok := c.entries[key]; ok {
		elem.Value = replayEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, at: now})
}

func (c *replayCache) expire(cutoff time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if !front.Value.(replayEntry).at.Before(cutoff) {
			return
		}
		c.remove(front)
	}
}

func (c *replayCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(replayEntry).key)
}
