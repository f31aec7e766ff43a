// Package publish composes upload, contract writes, registry updates and access overlay
// into the author and viewer flows.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"notegate/chain"
	"notegate/core/access"
	corerrors "notegate/core/errors"
	"notegate/core/session"
	"notegate/core/txn"
	"notegate/integrations/pinata"
	"notegate/integrations/webhooks"
	"notegate/sdk/notes"
)

// ErrRegistryWrite marks a confirmed chain write whose registry update failed. The
// Outcome returned alongside it is still a Success.
var ErrRegistryWrite = errors.New("publish: registry update failed after confirmed transaction")

// Transactions is the orchestrator surface used by the flows.
type Transactions interface {
	CreateNote(ctx context.Context, req txn.CreateNoteRequest) txn.Outcome
	MintNote(ctx context.Context, tokenID *big.Int) txn.Outcome
	ToggleNoteActive(ctx context.Context, tokenID *big.Int) txn.Outcome
	UpdateNotePrice(ctx context.Context, tokenID, newPrice *big.Int) txn.Outcome
}

// Sessions is the session manager surface used by the flows.
type Sessions interface {
	EnsureSession(ctx context.Context) (*session.Session, error)
	Current() *session.Session
}

// Access is the reconciler surface used by the flows.
type Access interface {
	Reconcile(ctx context.Context, notes []access.Note, viewer string) (access.Snapshot, error)
	MarkMinted(tokenID, viewer string) bool
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithNotifier sends lifecycle webhooks.
func WithNotifier(n webhooks.Notifier) Option {
	return func(p *Publisher) { p.notifier = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// Publisher runs the note flows.
type Publisher struct {
	sessions Sessions
	txns     Transactions
	registry notes.Registry
	uploader pinata.Uploader
	access   Access
	notifier webhooks.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// New wires a publisher.
func New(sessions Sessions, txns Transactions, registry notes.Registry, uploader pinata.Uploader, acc Access, opts ...Option) (*Publisher, error) {
	switch {
	case sessions == nil:
		return nil, fmt.Errorf("publish: session manager required")
	case txns == nil:
		return nil, fmt.Errorf("publish: orchestrator required")
	case registry == nil:
		return nil, fmt.Errorf("publish: registry required")
	case uploader == nil:
		return nil, fmt.Errorf("publish: uploader required")
	case acc == nil:
		return nil, fmt.Errorf("publish: access reconciler required")
	}
	p := &Publisher{
		sessions: sessions,
		txns:     txns,
		registry: registry,
		uploader: uploader,
		access:   acc,
		now:      time.Now,
		logger:   slog.Default().With("component", "publish"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Published is the result of Publish.
type Published struct {
	Outcome txn.Outcome   `json:"outcome"`
	Record  *notes.Record `json:"record,omitempty"`
}

// Publish validates draft, pins its metadata, creates the note on-chain and records it.
func (p *Publisher) Publish(ctx context.Context, draft Draft) (Published, error) {
	parsed, err := draft.parse()
	if err != nil {
		return Published{Outcome: invalid(txn.OpCreateNote, err)}, nil
	}
	s, err := p.sessions.EnsureSession(ctx)
	if err != nil {
		return Published{Outcome: txn.Outcome{Operation: txn.OpCreateNote, Failure: corerrors.Classify(err)}}, nil
	}
	author := s.Account()
	created := p.now().UTC().Truncate(time.Millisecond)
	timestamp := ISOTimestamp(created)
	content := NoteContent{
		Title:     parsed.Title,
		Content:   parsed.Content,
		Course:    parsed.Course,
		Topic:     parsed.Topic,
		Timestamp: timestamp,
		Author:    author.Hex(),
		Price:     parsed.Price,
		MaxSupply: parsed.MaxSupply,
	}
	contentHash, err := ContentHash(content)
	if err != nil {
		return Published{}, fmt.Errorf("publish: hash content: %w", err)
	}
	tokenURI, err := p.uploader.Upload(ctx, pinata.NoteMetadata{
		Title:     content.Title,
		Content:   content.Content,
		Course:    content.Course,
		Topic:     content.Topic,
		Author:    content.Author,
		Timestamp: content.Timestamp,
	})
	if err != nil {
		return Published{}, fmt.Errorf("publish: upload metadata: %w", err)
	}

	outcome := p.txns.CreateNote(ctx, txn.CreateNoteRequest{
		From:        author,
		TokenURI:    tokenURI,
		ContentHash: contentHash,
		MaxSupply:   parsed.maxSupply,
		Price:       parsed.priceWei,
	})
	if !outcome.OK() {
		return Published{Outcome: outcome}, nil
	}

	tokenID := outcome.Success.TokenID.String()
	record := notes.Record{
		TokenID:        tokenID,
		Title:          content.Title,
		Content:        content.Content,
		Course:         content.Course,
		Topic:          content.Topic,
		Author:         content.Author,
		Timestamp:      created,
		PriceInWei:     parsed.priceWei.String(),
		MaxSupplyInWei: parsed.maxSupply.String(),
		TokenURI:       tokenURI,
		ContentHash:    contentHash,
	}
	stored, err := p.registry.Create(ctx, record)
	if err != nil {
		p.logger.Error("registry create failed after confirmed createNote",
			slog.String("token_id", tokenID),
			slog.String("tx_hash", outcome.Success.TxHash.Hex()),
			slog.Any("error", err))
		return Published{Outcome: outcome, Record: &record}, fmt.Errorf("%w: %v", ErrRegistryWrite, err)
	}
	p.logger.Info("note published", slog.String("token_id", tokenID), slog.String("tx_hash", outcome.Success.TxHash.Hex()))
	p.notify(webhooks.NoteEvent{
		Type:       webhooks.EventNotePublished,
		TokenID:    tokenID,
		TxHash:     outcome.Success.TxHash.Hex(),
		Account:    author.Hex(),
		TokenURI:   tokenURI,
		PriceInWei: record.PriceInWei,
	})
	return Published{Outcome: outcome, Record: &stored}, nil
}

// Purchase mints one copy of tokenID for the session account and grants access locally.
func (p *Publisher) Purchase(ctx context.Context, tokenID string) txn.Outcome {
	id, err := chain.ParseTokenID(tokenID)
	if err != nil {
		return invalid(txn.OpMintNote, err)
	}
	outcome := p.txns.MintNote(ctx, id)
	if !outcome.OK() {
		return outcome
	}
	if s := p.sessions.Current(); s != nil {
		viewer := s.Account().Hex()
		p.access.MarkMinted(id.String(), viewer)
		p.notify(webhooks.NoteEvent{
			Type:    webhooks.EventNoteMinted,
			TokenID: id.String(),
			TxHash:  outcome.Success.TxHash.Hex(),
			Account: viewer,
		})
	}
	return outcome
}

// Revoked is the result of Revoke.
type Revoked struct {
	Outcome *txn.Outcome        `json:"outcome,omitempty"`
	Deleted *notes.DeleteResult `json:"deleted,omitempty"`
}

// Revoke deactivates tokenID on-chain, waiting for confirmation, then deletes the record.
// A note that is already inactive is only deleted.
func (p *Publisher) Revoke(ctx context.Context, tokenID string) (Revoked, error) {
	id, err := chain.ParseTokenID(tokenID)
	if err != nil {
		out := invalid(txn.OpToggleNoteActive, err)
		return Revoked{Outcome: &out}, nil
	}
	s, err := p.sessions.EnsureSession(ctx)
	if err != nil {
		out := txn.Outcome{Operation: txn.OpToggleNoteActive, Failure: corerrors.Classify(err)}
		return Revoked{Outcome: &out}, nil
	}
	details, err := s.Contract().GetNoteDetails(ctx, id)
	if err != nil {
		out := txn.Outcome{Operation: txn.OpToggleNoteActive, Failure: corerrors.Classify(err)}
		return Revoked{Outcome: &out}, nil
	}

	var result Revoked
	if details.IsActive {
		outcome := p.txns.ToggleNoteActive(ctx, id)
		result.Outcome = &outcome
		if !outcome.OK() {
			return result, nil
		}
	}
	deleted, err := p.registry.Delete(ctx, id.String())
	if err != nil && !errors.Is(err, notes.ErrNotFound) {
		return result, fmt.Errorf("%w: %v", ErrRegistryWrite, err)
	}
	if err == nil {
		result.Deleted = &deleted
	}
	event := webhooks.NoteEvent{Type: webhooks.EventNoteRevoked, TokenID: id.String(), Account: s.Account().Hex()}
	if result.Outcome != nil {
		event.TxHash = result.Outcome.Success.TxHash.Hex()
	}
	p.notify(event)
	return result, nil
}

// Repriced is the result of Reprice.
type Repriced struct {
	Outcome txn.Outcome   `json:"outcome"`
	Record  *notes.Record `json:"record,omitempty"`
}

// Reprice sets a new ether price on-chain and mirrors it into the registry.
func (p *Publisher) Reprice(ctx context.Context, tokenID, priceEther string) (Repriced, error) {
	id, err := chain.ParseTokenID(tokenID)
	if err != nil {
		return Repriced{Outcome: invalid(txn.OpUpdateNotePrice, err)}, nil
	}
	price, err := chain.EtherToWei(priceEther)
	if err != nil {
		return Repriced{Outcome: invalid(txn.OpUpdateNotePrice, err)}, nil
	}
	outcome := p.txns.UpdateNotePrice(ctx, id, price)
	if !outcome.OK() {
		return Repriced{Outcome: outcome}, nil
	}
	priceWei := price.String()
	updated, err := p.registry.Update(ctx, id.String(), notes.Patch{PriceInWei: &priceWei})
	if err != nil {
		return Repriced{Outcome: outcome}, fmt.Errorf("%w: %v", ErrRegistryWrite, err)
	}
	p.notify(webhooks.NoteEvent{
		Type:       webhooks.EventNoteRepriced,
		TokenID:    id.String(),
		TxHash:     outcome.Success.TxHash.Hex(),
		PriceInWei: priceWei,
	})
	return Repriced{Outcome: outcome, Record: &updated}, nil
}

// Listing is the registry content with the viewer's access map.
type Listing struct {
	Notes  []notes.Record  `json:"notes"`
	Access access.Snapshot `json:"access"`
}

// List loads every record and reconciles access for viewer.
func (p *Publisher) List(ctx context.Context, viewer string) (Listing, error) {
	records, err := p.registry.List(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("publish: list notes: %w", err)
	}
	inputs := make([]access.Note, 0, len(records))
	for _, r := range records {
		inputs = append(inputs, access.Note{TokenID: r.TokenID, Author: r.Author})
	}
	snap, err := p.access.Reconcile(ctx, inputs, viewer)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Notes: records, Access: snap}, nil
}

func (p *Publisher) notify(event webhooks.NoteEvent) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(event); err != nil {
		p.logger.Warn("webhook enqueue failed", slog.String("event", string(event.Type)), slog.Any("error", err))
	}
}

func invalid(op txn.Operation, err error) txn.Outcome {
	return txn.Outcome{
		Operation: op,
		Failure:   corerrors.Newf(corerrors.InvalidArguments, err, "%s", corerrors.Message(corerrors.InvalidArguments, err.Error())),
	}
}
