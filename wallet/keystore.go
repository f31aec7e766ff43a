package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"notegate/chain"
	"notegate/crypto"
)

// Backend is the subset of the Ethereum JSON-RPC client used per network.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// Dialer opens a backend for an RPC URL.
type Dialer func(ctx context.Context, rawURL string) (Backend, error)

// DialEthclient is the default Dialer.
func DialEthclient(ctx context.Context, rawURL string) (Backend, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("wallet: rpc url required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// KeystoreProvider is a Provider backed by locally decrypted keys. The first account is
// the selected one, mirroring how browser wallets order eth_accounts.
type KeystoreProvider struct {
	mu        sync.Mutex
	keys      map[common.Address]*crypto.PrivateKey
	order     []common.Address
	backends  map[uint64]Backend
	networks  map[uint64]chain.Network
	active    uint64
	connected bool
	approver  Approver
	dial      Dialer

	listenersMu  sync.Mutex
	listeners    map[uint64]Listener
	nextListener uint64
}

// KeystoreOption customises a KeystoreProvider.
type KeystoreOption func(*KeystoreProvider)

// WithApprover installs the signing approval policy. The default approves everything.
func WithApprover(a Approver) KeystoreOption {
	return func(p *KeystoreProvider) { p.approver = a }
}

// WithDialer overrides how RPC backends are opened.
func WithDialer(d Dialer) KeystoreOption {
	return func(p *KeystoreProvider) { p.dial = d }
}

// NewKeystoreProvider builds a provider controlling keys.
func NewKeystoreProvider(keys []*crypto.PrivateKey, opts ...KeystoreOption) (*KeystoreProvider, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("wallet: at least one key required")
	}
	p := &KeystoreProvider{
		keys:      make(map[common.Address]*crypto.PrivateKey, len(keys)),
		backends:  make(map[uint64]Backend),
		networks:  make(map[uint64]chain.Network),
		approver:  AutoApprove,
		dial:      DialEthclient,
		listeners: make(map[uint64]Listener),
	}
	for _, key := range keys {
		if key == nil || key.PrivateKey == nil {
			return nil, fmt.Errorf("wallet: nil key")
		}
		addr := key.Address()
		if _, dup := p.keys[addr]; dup {
			continue
		}
		p.keys[addr] = key
		p.order = append(p.order, addr)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.approver == nil {
		p.approver = AutoApprove
	}
	if p.dial == nil {
		p.dial = DialEthclient
	}
	return p, nil
}

// AttachNetwork registers a backend for network without dialing. The first attached
// network becomes active.
func (p *KeystoreProvider) AttachNetwork(network chain.Network, backend Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.backends[network.ChainID]; ok && old != backend {
		old.Close()
	}
	p.backends[network.ChainID] = backend
	p.networks[network.ChainID] = network
	if p.active == 0 {
		p.active = network.ChainID
	}
}

// RegisterNetwork dials the first RPC URL of network, confirms the node serves the
// advertised chain, and attaches it.
func (p *KeystoreProvider) RegisterNetwork(ctx context.Context, network chain.Network) error {
	if err := network.Validate(); err != nil {
		return &ProviderError{Code: CodeInvalidParams, Message: err.Error()}
	}
	backend, err := p.dial(ctx, network.RPCURLs[0])
	if err != nil {
		return &ProviderError{Code: CodeChainDisconnected, Message: fmt.Sprintf("dial %s: %v", network.ChainName, err)}
	}
	reported, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return &ProviderError{Code: CodeInternal, Message: fmt.Sprintf("Internal JSON-RPC error: %v", err)}
	}
	if !network.Matches(reported) {
		backend.Close()
		return &ProviderError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("rpc endpoint reports chain %s, expected %d", reported, network.ChainID),
		}
	}
	p.AttachNetwork(network, backend)
	return nil
}

// Subscribe registers listener for provider notifications.
func (p *KeystoreProvider) Subscribe(listener Listener) func() {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = listener
	return func() {
		p.listenersMu.Lock()
		defer p.listenersMu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *KeystoreProvider) emit(ev Event) {
	p.listenersMu.Lock()
	snapshot := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		snapshot = append(snapshot, l)
	}
	p.listenersMu.Unlock()
	for _, l := range snapshot {
		l(ev)
	}
}

// RequestAccounts connects the wallet and returns the authorised accounts.
func (p *KeystoreProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = true
	accounts := append([]common.Address(nil), p.order...)
	active := p.active
	p.mu.Unlock()
	if !wasConnected {
		p.emit(Event{Kind: EventConnect, ChainID: active})
	}
	return accounts, nil
}

// Accounts returns the authorised accounts, or none when disconnected.
func (p *KeystoreProvider) Accounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return []common.Address{}, nil
	}
	return append([]common.Address(nil), p.order...), nil
}

// ChainID reports the wallet's active network.
func (p *KeystoreProvider) ChainID(context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.backends[p.active]; !ok {
		return nil, &ProviderError{Code: CodeChainDisconnected, Message: "no network attached"}
	}
	return new(big.Int).SetUint64(p.active), nil
}

// SwitchChain makes chainID the active network. Unknown chains fail with 4902 so callers
// can register them first.
func (p *KeystoreProvider) SwitchChain(_ context.Context, chainID uint64) error {
	p.mu.Lock()
	if _, ok := p.backends[chainID]; !ok {
		p.mu.Unlock()
		return &ProviderError{
			Code:    CodeUnrecognizedChain,
			Message: fmt.Sprintf("Unrecognized chain ID 0x%x. Try adding the chain using wallet_addEthereumChain first.", chainID),
		}
	}
	if p.active == chainID {
		p.mu.Unlock()
		return nil
	}
	p.active = chainID
	p.mu.Unlock()
	p.emit(Event{Kind: EventChainChanged, ChainID: chainID})
	return nil
}

// AddChain registers network. It does not switch to it.
func (p *KeystoreProvider) AddChain(ctx context.Context, network chain.Network) error {
	p.mu.Lock()
	_, known := p.backends[network.ChainID]
	p.mu.Unlock()
	if known {
		return nil
	}
	return p.RegisterNetwork(ctx, network)
}

// SelectAccount moves addr to the front of the account list and notifies listeners.
func (p *KeystoreProvider) SelectAccount(addr common.Address) error {
	p.mu.Lock()
	if _, ok := p.keys[addr]; !ok {
		p.mu.Unlock()
		return &ProviderError{Code: CodeUnauthorized, Message: fmt.Sprintf("account %s is not managed by this wallet", addr.Hex())}
	}
	reordered := make([]common.Address, 0, len(p.order))
	reordered = append(reordered, addr)
	for _, a := range p.order {
		if a != addr {
			reordered = append(reordered, a)
		}
	}
	p.order = reordered
	connected := p.connected
	accounts := append([]common.Address(nil), reordered...)
	p.mu.Unlock()
	if connected {
		p.emit(Event{Kind: EventAccountsChanged, Accounts: accounts})
	}
	return nil
}

// Disconnect drops account authorisation and notifies listeners.
func (p *KeystoreProvider) Disconnect() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.mu.Unlock()
	if wasConnected {
		p.emit(Event{Kind: EventDisconnect, Err: &ProviderError{Code: CodeDisconnected, Message: "wallet disconnected"}})
	}
}

// Close disconnects and releases every backend.
func (p *KeystoreProvider) Close() {
	p.Disconnect()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, backend := range p.backends {
		backend.Close()
		delete(p.backends, id)
	}
	p.active = 0
}

func (p *KeystoreProvider) activeBackend() (Backend, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	backend, ok := p.backends[p.active]
	if !ok {
		return nil, 0, &ProviderError{Code: CodeChainDisconnected, Message: "no network attached"}
	}
	return backend, p.active, nil
}

// CallContract executes a read-only call on the active network.
func (p *KeystoreProvider) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	backend, _, err := p.activeBackend()
	if err != nil {
		return nil, err
	}
	return backend.CallContract(ctx, msg, blockNumber)
}

// EstimateGas estimates msg on the active network.
func (p *KeystoreProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	backend, _, err := p.activeBackend()
	if err != nil {
		return 0, err
	}
	return backend.EstimateGas(ctx, msg)
}

// SuggestGasPrice reads the active network's gas price.
func (p *KeystoreProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	backend, _, err := p.activeBackend()
	if err != nil {
		return nil, err
	}
	return backend.SuggestGasPrice(ctx)
}

// TransactionReceipt fetches a receipt from the active network.
func (p *KeystoreProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	backend, _, err := p.activeBackend()
	if err != nil {
		return nil, err
	}
	return backend.TransactionReceipt(ctx, txHash)
}

// SendTransaction asks the approver, signs req with the sender's key and broadcasts it.
func (p *KeystoreProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	p.mu.Lock()
	connected := p.connected
	key := p.keys[req.From]
	p.mu.Unlock()
	if !connected || key == nil {
		return common.Hash{}, &ProviderError{
			Code:    CodeUnauthorized,
			Message: fmt.Sprintf("The requested account %s has not been authorized by the user.", req.From.Hex()),
		}
	}
	backend, chainID, err := p.activeBackend()
	if err != nil {
		return common.Hash{}, err
	}
	approved, err := p.approver.Approve(ctx, chainID, req)
	if err != nil {
		return common.Hash{}, err
	}
	if !approved {
		return common.Hash{}, &ProviderError{Code: CodeUserRejected, Message: "User denied transaction signature."}
	}

	nonce, err := backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: fetch nonce: %w", err)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = backend.SuggestGasPrice(ctx); err != nil {
			return common.Hash{}, err
		}
	}
	gas := req.Gas
	if gas == 0 {
		if gas, err = backend.EstimateGas(ctx, req.CallMsg()); err != nil {
			return common.Hash{}, err
		}
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       req.To,
		Value:    value,
		Data:     req.Data,
	})
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signed, err := gethtypes.SignTx(tx, signer, key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wallet: sign transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}
