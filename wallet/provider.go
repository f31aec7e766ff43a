// Package wallet defines the EIP-1193 style provider the session layer drives and a
// keystore-backed implementation that signs locally and talks to nodes over JSON-RPC.
package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"notegate/chain"
)

// EIP-1193 and EIP-3085 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

// ProviderError is a structured provider failure. It satisfies rpc.Error and rpc.DataError
// so classification treats wallet and node errors uniformly.
type ProviderError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ErrorCode implements rpc.Error.
func (e *ProviderError) ErrorCode() int { return e.Code }

// ErrorData implements rpc.DataError.
func (e *ProviderError) ErrorData() interface{} { return e.Data }

// EventKind names a provider notification.
type EventKind string

const (
	EventConnect         EventKind = "connect"
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
	EventDisconnect      EventKind = "disconnect"
)

// Event is a provider notification.
type Event struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  uint64
	Err      error
}

// Listener receives provider notifications. Providers invoke listeners synchronously and
// never while holding their own locks.
type Listener func(Event)

// TxRequest mirrors the eth_sendTransaction parameter object.
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Gas      uint64
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
}

// CallMsg converts the request into the shape used for estimation and calls.
func (r TxRequest) CallMsg() ethereum.CallMsg {
	return ethereum.CallMsg{
		From:     r.From,
		To:       r.To,
		Gas:      r.Gas,
		GasPrice: r.GasPrice,
		Value:    r.Value,
		Data:     r.Data,
	}
}

// Provider is the wallet surface: account access, network management, reads routed to the
// active network, and signing submission.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, network chain.Network) error

	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)

	Subscribe(listener Listener) (unsubscribe func())
}
