// Package session owns the wallet connection, the active network and the NoteNFT binding.
// Consumers never hold a Session across a blocking call without checking Manager.IsCurrent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notegate/chain"
	corerrors "notegate/core/errors"
	"notegate/wallet"
)

var (
	ErrNoProvider     = errors.New("session: no wallet provider configured")
	ErrNoAccounts     = errors.New("session: wallet returned no accounts")
	ErrWrongChain     = errors.New("session: wallet is not on the required network")
	ErrStateChanged   = errors.New("session: wallet state changed during initialisation")
	ErrUnexpectedName = errors.New("session: contract verification returned an empty name")
)

// Teardown reasons passed to listeners.
const (
	ReasonAccountsChanged = "accountsChanged"
	ReasonChainChanged    = "chainChanged"
	ReasonDisconnect      = "disconnect"
	ReasonClosed          = "closed"
	ReasonReset           = "reset"
)

// Config pins the network and contract a session must bind to.
type Config struct {
	Network         chain.Network
	ContractAddress common.Address
}

func (c Config) validate() error {
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if c.ContractAddress == (common.Address{}) {
		return fmt.Errorf("session: contract address required")
	}
	return nil
}

// Session is a fully initialised connection. It is immutable; a teardown replaces it.
type Session struct {
	epoch    uint64
	provider wallet.Provider
	chainID  uint64
	accounts []common.Address
	contract *chain.NoteContract
}

// Epoch identifies the manager generation the session was built in.
func (s *Session) Epoch() uint64 { return s.epoch }

// Provider returns the wallet the session was built on.
func (s *Session) Provider() wallet.Provider { return s.provider }

// ChainID returns the verified chain id.
func (s *Session) ChainID() uint64 { return s.chainID }

// Account returns the selected account.
func (s *Session) Account() common.Address { return s.accounts[0] }

// Accounts returns every authorised account, selected first.
func (s *Session) Accounts() []common.Address {
	return append([]common.Address(nil), s.accounts...)
}

// HasAccount reports whether addr is authorised in the wallet.
func (s *Session) HasAccount(addr common.Address) bool {
	for _, a := range s.accounts {
		if a == addr {
			return true
		}
	}
	return false
}

// Contract returns the verified contract binding.
func (s *Session) Contract() *chain.NoteContract { return s.contract }

// Metrics receives session lifecycle observations.
type Metrics interface {
	ObserveSessionInit(result string)
	ObserveSessionTeardown(reason string)
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics installs lifecycle metrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager is the only writer of the process-wide Session.
type Manager struct {
	cfg      Config
	provider wallet.Provider
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer

	initMu sync.Mutex

	mu          sync.Mutex
	current     *Session
	epoch       uint64
	listeners   map[uint64]func(reason string)
	nextID      uint64
	unsubscribe func()
}

// NewManager wires a manager to provider. A nil provider is accepted; EnsureSession then
// fails with EnvironmentUnavailable.
func NewManager(provider wallet.Provider, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		provider:  provider,
		logger:    slog.Default().With("component", "session"),
		tracer:    otel.Tracer("notegate/core/session"),
		listeners: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if provider != nil {
		m.unsubscribe = provider.Subscribe(m.handleEvent)
	}
	return m, nil
}

func (m *Manager) handleEvent(ev wallet.Event) {
	switch ev.Kind {
	case wallet.EventAccountsChanged:
		m.Teardown(ReasonAccountsChanged)
	case wallet.EventChainChanged:
		m.Teardown(ReasonChainChanged)
	case wallet.EventDisconnect:
		m.Teardown(ReasonDisconnect)
	}
}

// Network returns the required network descriptor.
func (m *Manager) Network() chain.Network { return m.cfg.Network }

// ContractAddress returns the configured contract address.
func (m *Manager) ContractAddress() common.Address { return m.cfg.ContractAddress }

// Current returns the live session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsCurrent reports whether s is still the live session.
func (m *Manager) IsCurrent(s *Session) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s && s.epoch == m.epoch
}

// Epoch returns the current generation counter.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// EnsureSession returns the live session, building one when absent.
func (m *Manager) EnsureSession(ctx context.Context) (*Session, error) {
	if s := m.Current(); s != nil {
		return s, nil
	}
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if s := m.Current(); s != nil {
		return s, nil
	}
	if m.provider == nil {
		m.observeInit("unavailable")
		return nil, corerrors.New(corerrors.EnvironmentUnavailable, ErrNoProvider)
	}

	ctx, span := m.tracer.Start(ctx, "session.initialise")
	defer span.End()

	s, err := m.initialise(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.observeInit("failed")
		m.logger.Warn("session initialisation failed", slog.Any("error", err))
		return nil, corerrors.New(corerrors.SessionInitFailed, err)
	}
	span.SetAttributes(
		attribute.String("account", s.Account().Hex()),
		attribute.Int64("chain_id", int64(s.chainID)),
	)
	m.observeInit("ok")
	m.logger.Info("session established",
		slog.String("account", s.Account().Hex()),
		slog.Uint64("chain_id", s.chainID),
		slog.Uint64("epoch", s.epoch))
	return s, nil
}

func (m *Manager) initialise(ctx context.Context) (*Session, error) {
	if _, err := m.provider.RequestAccounts(ctx); err != nil {
		return nil, fmt.Errorf("request accounts: %w", err)
	}
	if err := m.switchNetwork(ctx); err != nil {
		return nil, err
	}

	// Events raised by our own switch are behind us; anything after this point aborts.
	epoch := m.Epoch()

	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	id, err := m.provider.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if !m.cfg.Network.Matches(id) {
		return nil, fmt.Errorf("%w: got %s, want %d", ErrWrongChain, id, m.cfg.Network.ChainID)
	}
	contract, err := chain.BindNoteContract(m.cfg.ContractAddress, m.provider)
	if err != nil {
		return nil, err
	}
	name, err := contract.Name(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify contract: %w", err)
	}
	if name == "" {
		return nil, ErrUnexpectedName
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return nil, ErrStateChanged
	}
	s := &Session{
		epoch:    epoch,
		provider: m.provider,
		chainID:  id.Uint64(),
		accounts: append([]common.Address(nil), accounts...),
		contract: contract,
	}
	m.current = s
	return s, nil
}

// switchNetwork moves the wallet to the required chain, registering it when the wallet
// does not know it.
func (m *Manager) switchNetwork(ctx context.Context) error {
	id, err := m.provider.ChainID(ctx)
	if err == nil && m.cfg.Network.Matches(id) {
		return nil
	}
	err = m.provider.SwitchChain(ctx, m.cfg.Network.ChainID)
	if err == nil {
		return nil
	}
	var coded rpc.Error
	if !errors.As(err, &coded) || coded.ErrorCode() != wallet.CodeUnrecognizedChain {
		return fmt.Errorf("switch network: %w", err)
	}
	m.logger.Info("registering network with wallet", slog.String("chain", m.cfg.Network.ChainName))
	if err := m.provider.AddChain(ctx, m.cfg.Network); err != nil {
		return fmt.Errorf("add network: %w", err)
	}
	if err := m.provider.SwitchChain(ctx, m.cfg.Network.ChainID); err != nil {
		return fmt.Errorf("switch network after add: %w", err)
	}
	return nil
}

// SwitchNetwork asks the wallet to move to the required chain. Failures are WrongNetwork.
func (m *Manager) SwitchNetwork(ctx context.Context) error {
	if m.provider == nil {
		return corerrors.New(corerrors.EnvironmentUnavailable, ErrNoProvider)
	}
	if err := m.switchNetwork(ctx); err != nil {
		return corerrors.New(corerrors.WrongNetwork, err)
	}
	return nil
}

// ContractHandle is EnsureSession followed by extracting the binding.
func (m *Manager) ContractHandle(ctx context.Context) (*chain.NoteContract, error) {
	s, err := m.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.contract, nil
}

// Teardown drops the live session and notifies listeners synchronously.
func (m *Manager) Teardown(reason string) {
	m.mu.Lock()
	m.epoch++
	had := m.current != nil
	m.current = nil
	listeners := make([]func(string), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if had {
		m.logger.Info("session torn down", slog.String("reason", reason))
	}
	if m.metrics != nil {
		m.metrics.ObserveSessionTeardown(reason)
	}
	for _, fn := range listeners {
		fn(reason)
	}
}

// OnTeardown registers fn to run after every teardown. The returned func removes it.
func (m *Manager) OnTeardown(fn func(reason string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close detaches from the provider and tears the session down.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.Teardown(ReasonClosed)
}

func (m *Manager) observeInit(result string) {
	if m.metrics != nil {
		m.metrics.ObserveSessionInit(result)
	}
}
