// Package wallettest provides an in-memory wallet.Provider for tests.
package wallettest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"notegate/chain"
	"notegate/wallet"
)

// MethodFunc answers a contract read with decoded inputs and unpacked outputs.
type MethodFunc func(from common.Address, args []interface{}) ([]interface{}, error)

// Provider is a scriptable wallet.Provider. Zero-value hooks give sensible defaults:
// estimation returns 100000, the gas price is 1 gwei, sends succeed with a counter hash and
// receipts are not found.
type Provider struct {
	mu sync.Mutex

	accounts  []common.Address
	connected bool
	chainID   uint64
	known     map[uint64]bool
	calls     map[string]int
	methods   map[string]MethodFunc
	sent      []wallet.TxRequest
	receipts  map[common.Hash]*gethtypes.Receipt
	listeners map[int]wallet.Listener
	nextID    int
	abi       abi.ABI

	EstimateFn func(msg ethereum.CallMsg) (uint64, error)
	GasPriceFn func() (*big.Int, error)
	SendFn     func(req wallet.TxRequest) (common.Hash, error)
	AccountsFn func() ([]common.Address, error)
	SwitchFn   func(chainID uint64) error
}

// New returns a provider on chainID controlling accounts.
func New(chainID uint64, accounts ...common.Address) *Provider {
	parsed, err := chain.NoteNFTABI()
	if err != nil {
		panic(err)
	}
	return &Provider{
		accounts:  append([]common.Address(nil), accounts...),
		chainID:   chainID,
		known:     map[uint64]bool{chainID: true},
		calls:     make(map[string]int),
		methods:   make(map[string]MethodFunc),
		receipts:  make(map[common.Hash]*gethtypes.Receipt),
		listeners: make(map[int]wallet.Listener),
		abi:       parsed,
	}
}

// Handle installs fn as the responder for a contract method.
func (p *Provider) Handle(method string, fn MethodFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[method] = fn
}

// SetReceipt makes hash resolvable.
func (p *Provider) SetReceipt(hash common.Hash, receipt *gethtypes.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[hash] = receipt
}

// Forget makes chainID unknown so SwitchChain answers 4902.
func (p *Provider) Forget(chainID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.known, chainID)
}

// SetChain moves the wallet to chainID without emitting anything.
func (p *Provider) SetChain(chainID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chainID = chainID
	p.known[chainID] = true
}

// Count returns how often a provider method (or "call:<method>" for contract reads) ran.
func (p *Provider) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// Sent returns the submitted transaction requests.
func (p *Provider) Sent() []wallet.TxRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wallet.TxRequest(nil), p.sent...)
}

// Emit delivers ev to every subscriber.
func (p *Provider) Emit(ev wallet.Event) {
	p.mu.Lock()
	listeners := make([]wallet.Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (p *Provider) count(name string) {
	p.mu.Lock()
	p.calls[name]++
	p.mu.Unlock()
}

func (p *Provider) RequestAccounts(context.Context) ([]common.Address, error) {
	p.count("RequestAccounts")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return append([]common.Address(nil), p.accounts...), nil
}

func (p *Provider) Accounts(context.Context) ([]common.Address, error) {
	p.count("Accounts")
	if p.AccountsFn != nil {
		return p.AccountsFn()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, nil
	}
	return append([]common.Address(nil), p.accounts...), nil
}

func (p *Provider) ChainID(context.Context) (*big.Int, error) {
	p.count("ChainID")
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).SetUint64(p.chainID), nil
}

func (p *Provider) SwitchChain(_ context.Context, chainID uint64) error {
	p.count("SwitchChain")
	if p.SwitchFn != nil {
		if err := p.SwitchFn(chainID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	if !p.known[chainID] {
		p.mu.Unlock()
		return &wallet.ProviderError{Code: wallet.CodeUnrecognizedChain, Message: "Unrecognized chain ID"}
	}
	changed := p.chainID != chainID
	p.chainID = chainID
	p.mu.Unlock()
	if changed {
		p.Emit(wallet.Event{Kind: wallet.EventChainChanged, ChainID: chainID})
	}
	return nil
}

func (p *Provider) AddChain(_ context.Context, network chain.Network) error {
	p.count("AddChain")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[network.ChainID] = true
	return nil
}

func (p *Provider) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("wallettest: short calldata")
	}
	method, err := p.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	p.count("call:" + method.Name)
	p.mu.Lock()
	fn := p.methods[method.Name]
	p.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("wallettest: no handler for %s", method.Name)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	out, err := fn(msg.From, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (p *Provider) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	p.count("EstimateGas")
	if p.EstimateFn != nil {
		return p.EstimateFn(msg)
	}
	return 100000, nil
}

func (p *Provider) SuggestGasPrice(context.Context) (*big.Int, error) {
	p.count("SuggestGasPrice")
	if p.GasPriceFn != nil {
		return p.GasPriceFn()
	}
	return big.NewInt(1_000_000_000), nil
}

func (p *Provider) SendTransaction(_ context.Context, req wallet.TxRequest) (common.Hash, error) {
	p.count("SendTransaction")
	if p.SendFn != nil {
		hash, err := p.SendFn(req)
		if err == nil {
			p.mu.Lock()
			p.sent = append(p.sent, req)
			p.mu.Unlock()
		}
		return hash, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, req)
	return common.BigToHash(big.NewInt(int64(len(p.sent)))), nil
}

func (p *Provider) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	p.count("TransactionReceipt")
	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, ok := p.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (p *Provider) Subscribe(listener wallet.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// NoteCreatedLog builds the log the contract emits from createNote.
func NoteCreatedLog(contract common.Address, tokenID *big.Int, author common.Address, tokenURI string, price, maxSupply *big.Int) *gethtypes.Log {
	parsed, err := chain.NoteNFTABI()
	if err != nil {
		panic(err)
	}
	event := parsed.Events[chain.EventNoteCreated]
	data, err := event.Inputs.NonIndexed().Pack(tokenURI, price, maxSupply)
	if err != nil {
		panic(err)
	}
	return &gethtypes.Log{
		Address: contract,
		Topics:  []common.Hash{event.ID, common.BigToHash(tokenID), common.BytesToHash(author.Bytes())},
		Data:    data,
	}
}

// SuccessReceipt is a status-1 receipt carrying logs.
func SuccessReceipt(hash common.Hash, logs ...*gethtypes.Log) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(1),
		GasUsed:     21000,
		Logs:        logs,
	}
}
