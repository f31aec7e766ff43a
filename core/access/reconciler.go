// Package access turns note records plus chain state into a per-viewer access map.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"notegate/chain"
	corerrors "notegate/core/errors"
	"notegate/core/session"
)

// Mode selects the on-chain predicate.
type Mode string

const (
	// ModeContract asks hasNoteAccess, which combines holding and authorship on-chain.
	ModeContract Mode = "contract"
	// ModeBalance is the deprecated balanceOf > 0 OR author check.
	ModeBalance Mode = "balance"
)

// ParseMode accepts "contract", "balance" or empty (contract).
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeContract:
		return ModeContract, nil
	case ModeBalance:
		return ModeBalance, nil
	default:
		return "", fmt.Errorf("access: unknown mode %q", raw)
	}
}

var (
	// ErrStale is returned when the session changed while a reconciliation was in flight.
	ErrStale = errors.New("access: session changed during reconciliation")
	// ErrInvalidViewer is returned for a viewer that is not a hex address.
	ErrInvalidViewer = errors.New("access: viewer is not a valid address")
)

// Note is the slice of a note record reconciliation needs.
type Note struct {
	TokenID string
	Author  string
}

// Snapshot is one wholesale access computation.
type Snapshot struct {
	Version    uint64          `json:"version"`
	Viewer     string          `json:"viewer,omitempty"`
	Epoch      uint64          `json:"epoch"`
	Entries    map[string]bool `json:"entries"`
	ComputedAt time.Time       `json:"computedAt"`
}

// HasAccess reports the entry for tokenID. Missing entries are locked.
func (s Snapshot) HasAccess(tokenID string) bool {
	return s.Entries[tokenID]
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Entries = make(map[string]bool, len(s.Entries))
	for k, v := range s.Entries {
		out.Entries[k] = v
	}
	return out
}

// Sessions is the slice of the session manager reconciliation needs.
type Sessions interface {
	EnsureSession(ctx context.Context) (*session.Session, error)
	Current() *session.Session
	IsCurrent(s *session.Session) bool
	OnTeardown(fn func(reason string)) func()
}

// Metrics receives reconciliation observations.
type Metrics interface {
	ObserveReconcile(mode string, d time.Duration, notes int)
	ObserveAccessFallback(mode string)
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithMode selects the predicate.
func WithMode(mode Mode) Option {
	return func(r *Reconciler) {
		if mode != "" {
			r.mode = mode
		}
	}
}

// WithConcurrency bounds in-flight per-note reads.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics installs reconciliation metrics.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconciler owns the access map. An optimistic overlay entry set by MarkMinted survives
// every snapshot whose pass was already running when it was set, and is dropped by the
// first pass that started afterwards.
type Reconciler struct {
	sessions    Sessions
	mode        Mode
	concurrency int
	metrics     Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu          sync.RWMutex
	version     uint64
	snapshot    Snapshot
	overlay     map[string]uint64
	subscribers map[int]chan Snapshot
	nextSub     int
	detach      func()
}

// NewReconciler subscribes to session teardowns so the map is cleared with the session.
func NewReconciler(sessions Sessions, opts ...Option) (*Reconciler, error) {
	if sessions == nil {
		return nil, fmt.Errorf("access: session manager required")
	}
	r := &Reconciler{
		sessions:    sessions,
		mode:        ModeContract,
		concurrency: 8,
		logger:      slog.Default().With("component", "access"),
		tracer:      otel.Tracer("notegate/core/access"),
		now:         time.Now,
		overlay:     make(map[string]uint64),
		subscribers: make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.snapshot = Snapshot{Entries: map[string]bool{}, ComputedAt: r.now()}
	r.detach = sessions.OnTeardown(func(reason string) { r.Invalidate(reason) })
	return r, nil
}

// Mode returns the predicate in use.
func (r *Reconciler) Mode() Mode { return r.mode }

// Reconcile recomputes the access map for viewer over notes and commits it.
func (r *Reconciler) Reconcile(ctx context.Context, notes []Note, viewer string) (Snapshot, error) {
	viewer = strings.TrimSpace(viewer)
	if viewer != "" && !common.IsHexAddress(viewer) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidViewer, viewer)
	}

	r.mu.Lock()
	r.version++
	version := r.version
	r.mu.Unlock()

	if viewer == "" {
		snap := Snapshot{Version: version, Entries: map[string]bool{}, ComputedAt: r.now()}
		if s := r.sessions.Current(); s != nil {
			snap.Epoch = s.Epoch()
		}
		return r.commit(snap), nil
	}
	s, err := r.sessions.EnsureSession(ctx)
	if err != nil {
		switch corerrors.KindOf(err) {
		case corerrors.EnvironmentUnavailable, corerrors.SessionInitFailed:
			r.logger.Debug("no session, access map left empty", slog.Any("error", err))
			return r.commit(Snapshot{Version: version, Viewer: viewer, Entries: map[string]bool{}, ComputedAt: r.now()}), nil
		default:
			return Snapshot{}, err
		}
	}

	ctx, span := r.tracer.Start(ctx, "access.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(r.mode)), attribute.Int("notes", len(notes)))

	started := r.now()
	viewerAddr := common.HexToAddress(viewer)
	contract := s.Contract()

	var (
		resultsMu sync.Mutex
		entries   = make(map[string]bool, len(notes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, note := range notes {
		if strings.TrimSpace(note.TokenID) == "" {
			continue
		}
		note := note
		g.Go(func() error {
			granted := r.check(gctx, contract, note, viewerAddr)
			resultsMu.Lock()
			entries[note.TokenID] = granted
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !r.sessions.IsCurrent(s) {
		span.SetAttributes(attribute.Bool("stale", true))
		return Snapshot{}, ErrStale
	}
	if r.metrics != nil {
		r.metrics.ObserveReconcile(string(r.mode), r.now().Sub(started), len(notes))
	}
	snap := Snapshot{
		Version:    version,
		Viewer:     viewerAddr.Hex(),
		Epoch:      s.Epoch(),
		Entries:    entries,
		ComputedAt: r.now(),
	}
	return r.commit(snap), nil
}

// check evaluates one note. Read failures fall back to author equality.
func (r *Reconciler) check(ctx context.Context, contract *chain.NoteContract, note Note, viewer common.Address) bool {
	authorMatch := strings.EqualFold(strings.TrimSpace(note.Author), viewer.Hex())
	tokenID, err := chain.ParseTokenID(note.TokenID)
	if err == nil {
		var granted bool
		switch r.mode {
		case ModeBalance:
			var balance *big.Int
			balance, err = contract.BalanceOf(ctx, viewer, tokenID)
			granted = err == nil && (balance.Sign() > 0 || authorMatch)
		default:
			granted, err = contract.HasNoteAccess(ctx, tokenID, viewer)
		}
		if err == nil {
			return granted
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveAccessFallback(string(r.mode))
	}
	r.logger.Debug("access read failed, using author match",
		slog.String("token_id", note.TokenID),
		slog.Bool("granted", authorMatch),
		slog.Any("error", err))
	return authorMatch
}

// commit installs snap unless a newer snapshot already landed. It returns the effective view.
func (r *Reconciler) commit(snap Snapshot) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Version < r.snapshot.Version {
		return r.viewLocked()
	}
	r.snapshot = snap
	for id, stamp := range r.overlay {
		if stamp < snap.Version {
			delete(r.overlay, id)
		}
	}
	view := r.viewLocked()
	r.broadcastLocked(view)
	return view
}

// MarkMinted grants tokenID to viewer until a pass started after this call commits. It is
// ignored when viewer is not the viewer of the current snapshot.
func (r *Reconciler) MarkMinted(tokenID, viewer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tokenID == "" || r.snapshot.Viewer == "" || !strings.EqualFold(r.snapshot.Viewer, viewer) {
		return false
	}
	r.overlay[tokenID] = r.version
	r.broadcastLocked(r.viewLocked())
	return true
}

// Invalidate clears the map.
func (r *Reconciler) Invalidate(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.snapshot = Snapshot{Version: r.version, Entries: map[string]bool{}, ComputedAt: r.now()}
	r.overlay = make(map[string]uint64)
	r.broadcastLocked(r.viewLocked())
	r.logger.Debug("access map cleared", slog.String("reason", reason))
}

// View returns the current snapshot with the overlay applied.
func (r *Reconciler) View() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

// HasAccess reports access for tokenID in the current view.
func (r *Reconciler) HasAccess(tokenID string) bool {
	return r.View().HasAccess(tokenID)
}

func (r *Reconciler) viewLocked() Snapshot {
	view := r.snapshot.clone()
	for id := range r.overlay {
		view.Entries[id] = true
	}
	return view
}

// Subscribe streams views as they change. Slow subscribers only see the latest view.
func (r *Reconciler) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Snapshot, 1)
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	ch <- r.viewLocked()
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(ch)
		}
	}
}

func (r *Reconciler) broadcastLocked(view Snapshot) {
	for _, ch := range r.subscribers {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

// Close detaches from session teardowns and ends every subscription.
func (r *Reconciler) Close() {
	if r.detach != nil {
		r.detach()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
}
