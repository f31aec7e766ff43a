// Package txn runs NoteNFT writes through a fixed pipeline: validation, session, network
// check, preconditions, gas estimation, fee computation, submission, confirmation and
// event decoding. Every call returns an Outcome; nothing panics or leaks a raw error.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notegate/chain"
	corerrors "notegate/core/errors"
	"notegate/core/session"
	"notegate/wallet"
)

const (
	defaultRetries        = 2
	defaultRetryDelay     = 3 * time.Second
	defaultConfirmTimeout = 300 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// Sessions is the part of the session manager the orchestrator depends on.
type Sessions interface {
	EnsureSession(ctx context.Context) (*session.Session, error)
	IsCurrent(s *session.Session) bool
	SwitchNetwork(ctx context.Context) error
	Network() chain.Network
}

// Metrics receives pipeline observations.
type Metrics interface {
	ObserveTransaction(op, outcome string)
	ObserveFailure(op, kind string)
	ObserveGasFallback(op string)
	ObserveConfirmation(op string, d time.Duration)
}

// Submission is recorded once a signed transaction has been broadcast.
type Submission struct {
	ID          string
	Operation   Operation
	TxHash      common.Hash
	From        common.Address
	TokenID     string
	Gas         uint64
	GasPrice    *big.Int
	Value       *big.Int
	SubmittedAt time.Time
}

// Journal persists submissions so a timed-out confirmation can be re-queried later.
type Journal interface {
	Submitted(ctx context.Context, sub Submission) error
	Resolved(ctx context.Context, hash common.Hash, status string, detail string) error
}

// Journal statuses.
const (
	StatusConfirmed = "confirmed"
	StatusReverted  = "reverted"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRetry sets how often transient read failures are retried and the delay between tries.
func WithRetry(retries int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if retries >= 0 {
			o.retries = retries
		}
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithSleep overrides how the orchestrator waits between retries and receipt polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithConfirmTimeout bounds how long a receipt is awaited.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithPolicy replaces the gas policy for op.
func WithPolicy(op Operation, policy GasPolicy) Option {
	return func(o *Orchestrator) { o.policies[op] = policy }
}

// WithMetrics installs pipeline metrics.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithJournal installs a submission journal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithClassifier overrides the error classifier.
func WithClassifier(c *corerrors.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Orchestrator executes contract writes. It does not serialise submissions; callers that
// need ordering must wait for one Outcome before issuing the next call.
type Orchestrator struct {
	sessions       Sessions
	policies       map[Operation]GasPolicy
	classifier     *corerrors.Classifier
	retries        int
	retryDelay     time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	metrics        Metrics
	journal        Journal
	logger         *slog.Logger
	tracer         trace.Tracer
}

// New constructs an orchestrator over sessions.
func New(sessions Sessions, opts ...Option) (*Orchestrator, error) {
	if sessions == nil {
		return nil, fmt.Errorf("txn: session manager required")
	}
	o := &Orchestrator{
		sessions:       sessions,
		policies:       DefaultPolicies(),
		classifier:     corerrors.NewClassifier(),
		retries:        defaultRetries,
		retryDelay:     defaultRetryDelay,
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
		sleep:          sleepContext,
		now:            time.Now,
		logger:         slog.Default().With("component", "txn"),
		tracer:         otel.Tracer("notegate/core/txn"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy returns the gas policy in force for op.
func (o *Orchestrator) Policy(op Operation) GasPolicy {
	return o.policies[op]
}

// CreateNoteRequest carries createNote arguments. A zero From means the selected account.
type CreateNoteRequest struct {
	From        common.Address
	TokenURI    string
	ContentHash string
	MaxSupply   *big.Int
	Price       *big.Int
}

func (r CreateNoteRequest) validate() error {
	switch {
	case r.TokenURI == "":
		return errors.New("tokenURI is required")
	case r.ContentHash == "":
		return errors.New("contentHash is required")
	case r.MaxSupply == nil || r.MaxSupply.Sign() <= 0:
		return errors.New("maxSupply must be a positive integer")
	case r.Price == nil || r.Price.Sign() < 0:
		return errors.New("price must be a non-negative integer")
	}
	return nil
}

// CreateNote registers a note on-chain and returns its tokenId from NoteCreated.
func (o *Orchestrator) CreateNote(ctx context.Context, req CreateNoteRequest) Outcome {
	if err := req.validate(); err != nil {
		return o.invalid(OpCreateNote, err)
	}
	return o.execute(ctx, OpCreateNote, nil, func(ctx context.Context, s *session.Session) (*plan, error) {
		from := req.From
		if from == (common.Address{}) {
			from = s.Account()
		} else if !s.HasAccount(from) {
			return nil, corerrors.Newf(corerrors.AccountMismatch, nil,
				"Account %s is not connected in the wallet. Switch to it and retry.", from.Hex())
		}
		return &plan{
			method: chain.MethodCreateNote,
			args:   []interface{}{req.TokenURI, req.ContentHash, req.MaxSupply, req.Price},
			from:   from,
		}, nil
	})
}

// MintNote buys one copy of tokenID, attaching the current on-chain price.
func (o *Orchestrator) MintNote(ctx context.Context, tokenID *big.Int) Outcome {
	if err := validTokenID(tokenID); err != nil {
		return o.invalid(OpMintNote, err)
	}
	return o.execute(ctx, OpMintNote, tokenID, func(ctx context.Context, s *session.Session) (*plan, error) {
		details, err := retryRead(ctx, o, OpMintNote, "getNoteDetails", func(ctx context.Context) (chain.NoteDetails, error) {
			return s.Contract().GetNoteDetails(ctx, tokenID)
		})
		if err != nil {
			return nil, err
		}
		if !details.IsActive {
			return nil, corerrors.New(corerrors.NoteInactive, nil)
		}
		if details.SupplyExhausted() {
			return nil, corerrors.New(corerrors.SupplyExhausted, nil)
		}
		value := new(big.Int)
		if details.Price != nil {
			value.Set(details.Price)
		}
		return &plan{
			method: chain.MethodMintNote,
			args:   []interface{}{tokenID},
			from:   s.Account(),
			value:  value,
		}, nil
	})
}

// ToggleNoteActive flips the note's active flag. Only the author may call it.
func (o *Orchestrator) ToggleNoteActive(ctx context.Context, tokenID *big.Int) Outcome {
	if err := validTokenID(tokenID); err != nil {
		return o.invalid(OpToggleNoteActive, err)
	}
	return o.execute(ctx, OpToggleNoteActive, tokenID, func(_ context.Context, s *session.Session) (*plan, error) {
		return &plan{method: chain.MethodToggleNoteActive, args: []interface{}{tokenID}, from: s.Account()}, nil
	})
}

// UpdateNotePrice sets a new price in wei.
func (o *Orchestrator) UpdateNotePrice(ctx context.Context, tokenID, newPrice *big.Int) Outcome {
	if err := validTokenID(tokenID); err != nil {
		return o.invalid(OpUpdateNotePrice, err)
	}
	if newPrice == nil || newPrice.Sign() < 0 {
		return o.invalid(OpUpdateNotePrice, errors.New("newPrice must be a non-negative integer"))
	}
	return o.execute(ctx, OpUpdateNotePrice, tokenID, func(_ context.Context, s *session.Session) (*plan, error) {
		return &plan{method: chain.MethodUpdateNotePrice, args: []interface{}{tokenID, newPrice}, from: s.Account()}, nil
	})
}

func validTokenID(tokenID *big.Int) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return errors.New("tokenId must be a non-negative integer")
	}
	return nil
}

func (o *Orchestrator) invalid(op Operation, err error) Outcome {
	f := corerrors.Newf(corerrors.InvalidArguments, err, "%s", corerrors.Message(corerrors.InvalidArguments, err.Error()))
	o.observeFailure(op, f)
	return failed(op, f)
}

type plan struct {
	method string
	args   []interface{}
	from   common.Address
	value  *big.Int
}

type builder func(ctx context.Context, s *session.Session) (*plan, error)

func (o *Orchestrator) execute(ctx context.Context, op Operation, tokenID *big.Int, build builder) Outcome {
	ctx, span := o.tracer.Start(ctx, "txn."+string(op))
	defer span.End()
	logger := o.logger.With(slog.String("op", string(op)))
	if tokenID != nil {
		logger = logger.With(slog.String("token_id", tokenID.String()))
		span.SetAttributes(attribute.String("token_id", tokenID.String()))
	}

	fail := func(err error, hash common.Hash) Outcome {
		f := o.classifier.Classify(err)
		if hash != (common.Hash{}) {
			copied := *f
			copied.TxHash = hash.Hex()
			f = &copied
		}
		span.RecordError(f)
		span.SetStatus(codes.Error, string(f.Kind))
		logger.Warn("transaction failed",
			slog.String("kind", string(f.Kind)),
			slog.String("tx_hash", f.TxHash),
			slog.Any("error", f.Cause))
		o.observeFailure(op, f)
		return failed(op, f)
	}

	s, err := o.sessions.EnsureSession(ctx)
	if err != nil {
		return fail(err, common.Hash{})
	}
	if s, err = o.checkNetwork(ctx, op, s); err != nil {
		return fail(err, common.Hash{})
	}
	p, err := build(ctx, s)
	if err != nil {
		return fail(err, common.Hash{})
	}
	policy := o.policies[op]

	if s, err = o.refresh(ctx, s, p.from); err != nil {
		return fail(err, common.Hash{})
	}
	data, err := s.Contract().Pack(p.method, p.args...)
	if err != nil {
		return fail(corerrors.New(corerrors.InvalidArguments, err), common.Hash{})
	}
	to := s.Contract().Address()
	msg := ethereum.CallMsg{From: p.from, To: &to, Value: p.value, Data: data}

	gas := o.estimateGas(ctx, op, s, msg, policy, logger)
	gasPrice := o.gasPrice(ctx, op, s, policy, logger)

	if s, err = o.refresh(ctx, s, p.from); err != nil {
		return fail(err, common.Hash{})
	}
	submitCtx, submitSpan := o.tracer.Start(ctx, "txn.submit")
	hash, err := s.Provider().SendTransaction(submitCtx, wallet.TxRequest{
		From:     p.from,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Value:    p.value,
		Data:     data,
	})
	submitSpan.End()
	if err != nil {
		return fail(err, common.Hash{})
	}
	span.SetAttributes(attribute.String("tx_hash", hash.Hex()))
	logger = logger.With(slog.String("tx_hash", hash.Hex()))
	logger.Info("transaction submitted", slog.Uint64("gas", gas), slog.String("gas_price", gasPrice.String()))
	o.recordSubmission(ctx, op, hash, p, tokenID, gas, gasPrice, logger)

	started := o.now()
	receipt, s, err := o.awaitReceipt(ctx, s, hash)
	if err != nil {
		o.resolve(ctx, hash, StatusPending, err.Error(), logger)
		return fail(err, hash)
	}
	if o.metrics != nil {
		o.metrics.ObserveConfirmation(string(op), o.now().Sub(started))
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		o.resolve(ctx, hash, StatusReverted, "", logger)
		return fail(corerrors.Newf(corerrors.ExecutionReverted, nil,
			"%s", corerrors.Message(corerrors.ExecutionReverted, "status 0 in block "+blockString(receipt))), hash)
	}

	events, err := s.Contract().DecodeReceipt(receipt)
	if err != nil {
		o.resolve(ctx, hash, StatusFailed, err.Error(), logger)
		return fail(corerrors.New(corerrors.EventMissing, err), hash)
	}
	success := &Success{TxHash: hash, GasUsed: receipt.GasUsed, Events: events}
	if receipt.BlockNumber != nil {
		success.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if op == OpCreateNote {
		created, ok := chain.FindNoteCreated(events)
		if !ok {
			o.resolve(ctx, hash, StatusFailed, "NoteCreated event missing", logger)
			return fail(corerrors.Newf(corerrors.EventMissing, nil,
				"Note creation confirmed in %s but no NoteCreated event was emitted.", hash.Hex()), hash)
		}
		success.TokenID = created.TokenID
		span.SetAttributes(attribute.String("token_id", created.TokenID.String()))
	}
	o.resolve(ctx, hash, StatusConfirmed, "", logger)
	if o.metrics != nil {
		o.metrics.ObserveTransaction(string(op), "success")
	}
	logger.Info("transaction confirmed", slog.Uint64("block", success.BlockNumber), slog.Uint64("gas_used", success.GasUsed))
	return succeeded(op, success)
}

func blockString(receipt *gethtypes.Receipt) string {
	if receipt.BlockNumber == nil {
		return "unknown"
	}
	return receipt.BlockNumber.String()
}

// checkNetwork makes sure the wallet still reports the required chain, switching if not.
func (o *Orchestrator) checkNetwork(ctx context.Context, op Operation, s *session.Session) (*session.Session, error) {
	id, err := retryRead(ctx, o, op, "chainId", func(ctx context.Context) (*big.Int, error) {
		return s.Provider().ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}
	if o.sessions.Network().Matches(id) {
		return s, nil
	}
	if err := o.sessions.SwitchNetwork(ctx); err != nil {
		if corerrors.KindOf(err) == corerrors.WrongNetwork {
			return nil, err
		}
		return nil, corerrors.New(corerrors.WrongNetwork, err)
	}
	return o.sessions.EnsureSession(ctx)
}

// refresh re-acquires the session if it was torn down while the caller was suspended and
// checks the sender is still authorised.
func (o *Orchestrator) refresh(ctx context.Context, s *session.Session, from common.Address) (*session.Session, error) {
	if !o.sessions.IsCurrent(s) {
		fresh, err := o.sessions.EnsureSession(ctx)
		if err != nil {
			return nil, err
		}
		s = fresh
	}
	if !s.HasAccount(from) {
		return nil, corerrors.Newf(corerrors.AccountMismatch, nil,
			"Account %s is no longer connected in the wallet.", from.Hex())
	}
	return s, nil
}

func (o *Orchestrator) estimateGas(ctx context.Context, op Operation, s *session.Session, msg ethereum.CallMsg, policy GasPolicy, logger *slog.Logger) uint64 {
	ctx, span := o.tracer.Start(ctx, "txn.estimate")
	defer span.End()
	estimate, err := retryRead(ctx, o, op, "estimateGas", func(ctx context.Context) (uint64, error) {
		return s.Provider().EstimateGas(ctx, msg)
	})
	if err != nil || estimate == 0 {
		limit := policy.GasLimit(0, false)
		kind := corerrors.Unknown
		if err != nil {
			kind = o.classifier.Classify(err).Kind
		}
		logger.Warn("gas estimation failed, using fallback",
			slog.Uint64("gas", limit),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		if o.metrics != nil {
			o.metrics.ObserveGasFallback(string(op))
		}
		span.SetAttributes(attribute.Bool("fallback", true), attribute.Int64("gas", int64(limit)))
		return limit
	}
	limit := policy.GasLimit(estimate, true)
	span.SetAttributes(attribute.Int64("estimate", int64(estimate)), attribute.Int64("gas", int64(limit)))
	return limit
}

func (o *Orchestrator) gasPrice(ctx context.Context, op Operation, s *session.Session, policy GasPolicy, logger *slog.Logger) *big.Int {
	ctx, span := o.tracer.Start(ctx, "txn.fee")
	defer span.End()
	base, err := retryRead(ctx, o, op, "gasPrice", func(ctx context.Context) (*big.Int, error) {
		return s.Provider().SuggestGasPrice(ctx)
	})
	if err != nil {
		logger.Warn("gas price unavailable, using fallback", slog.String("base", BaseGasPriceFallback.String()), slog.Any("error", err))
		base = BaseGasPriceFallback
	}
	price := policy.GasPrice(base)
	span.SetAttributes(attribute.String("gas_price", price.String()))
	return price
}

// awaitReceipt polls until the receipt appears or the confirmation timeout elapses.
func (o *Orchestrator) awaitReceipt(ctx context.Context, s *session.Session, hash common.Hash) (*gethtypes.Receipt, *session.Session, error) {
	ctx, span := o.tracer.Start(ctx, "txn.confirm")
	defer span.End()
	deadline := o.now().Add(o.confirmTimeout)
	for {
		if !o.sessions.IsCurrent(s) {
			fresh, err := o.sessions.EnsureSession(ctx)
			if err != nil {
				return nil, s, err
			}
			s = fresh
		}
		receipt, err := s.Provider().TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, s, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		default:
			if !o.classifier.Classify(err).Kind.Transient() {
				return nil, s, err
			}
		}
		if !o.now().Before(deadline) {
			return nil, s, corerrors.Newf(corerrors.NetworkRpcError, context.DeadlineExceeded,
				"Transaction %s was not confirmed within %s. It may still confirm; check its status before retrying.",
				hash.Hex(), o.confirmTimeout)
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return nil, s, corerrors.Newf(corerrors.NetworkRpcError, err,
				"Stopped waiting for transaction %s. It may still confirm; check its status before retrying.", hash.Hex())
		}
	}
}

func retryRead[T any](ctx context.Context, o *Orchestrator, op Operation, step string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.retryDelay); err != nil {
				return zero, err
			}
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !o.classifier.Classify(err).Kind.Transient() {
			break
		}
		o.logger.Debug("retrying read",
			slog.String("op", string(op)),
			slog.String("step", step),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return zero, lastErr
}

func (o *Orchestrator) recordSubmission(ctx context.Context, op Operation, hash common.Hash, p *plan, tokenID *big.Int, gas uint64, gasPrice *big.Int, logger *slog.Logger) {
	if o.journal == nil {
		return
	}
	sub := Submission{
		ID:          uuid.NewString(),
		Operation:   op,
		TxHash:      hash,
		From:        p.from,
		Gas:         gas,
		GasPrice:    gasPrice,
		Value:       p.value,
		SubmittedAt: o.now().UTC(),
	}
	if tokenID != nil {
		sub.TokenID = tokenID.String()
	}
	if err := o.journal.Submitted(ctx, sub); err != nil {
		logger.Error("journal submission", slog.Any("error", err))
	}
}

func (o *Orchestrator) resolve(ctx context.Context, hash common.Hash, status, detail string, logger *slog.Logger) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Resolved(context.WithoutCancel(ctx), hash, status, detail); err != nil {
		logger.Error("journal resolve", slog.Any("error", err))
	}
}

func (o *Orchestrator) observeFailure(op Operation, f *corerrors.Failure) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveTransaction(string(op), "failure")
	o.metrics.ObserveFailure(string(op), string(f.Kind))
}
