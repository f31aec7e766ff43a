package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"notegate/chain"
	"notegate/crypto"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  uint64
	nonce    uint64
	gasPrice *big.Int
	sent     []*gethtypes.Transaction
	closed   bool
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.chainID), nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeBackend) Close() { f.closed = true }

func newTestProvider(t *testing.T, opts ...KeystoreOption) (*KeystoreProvider, *crypto.PrivateKey, *fakeBackend) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	provider, err := NewKeystoreProvider([]*crypto.PrivateKey{key}, opts...)
	require.NoError(t, err)
	backend := &fakeBackend{chainID: chain.EDUChainTestnet().ChainID, nonce: 7}
	provider.AttachNetwork(chain.EDUChainTestnet(), backend)
	return provider, key, backend
}

func TestAccountsEmptyUntilRequested(t *testing.T) {
	provider, key, _ := newTestProvider(t)
	ctx := context.Background()

	accounts, err := provider.Accounts(ctx)
	require.NoError(t, err)
	require.Empty(t, accounts)

	accounts, err = provider.RequestAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{key.Address()}, accounts)

	provider.Disconnect()
	accounts, err = provider.Accounts(ctx)
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestSwitchChainUnknownReturns4902(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	err := provider.SwitchChain(context.Background(), 1)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeUnrecognizedChain, perr.Code)

	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, CodeUnrecognizedChain, rpcErr.ErrorCode())
}

func TestAddChainThenSwitchEmitsChainChanged(t *testing.T) {
	other := chain.Network{
		ChainID:        5,
		ChainName:      "Other",
		NativeCurrency: chain.NativeCurrency{Name: "ETH", Symbol: "ETH", Decimals: 18},
		RPCURLs:        []string{"http://other.invalid"},
	}
	dialed := &fakeBackend{chainID: 5}
	provider, _, _ := newTestProvider(t, WithDialer(func(context.Context, string) (Backend, error) {
		return dialed, nil
	}))

	var events []Event
	unsubscribe := provider.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, provider.AddChain(ctx, other))
	id, err := provider.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, chain.EDUChainTestnet().ChainID, id.Uint64())

	require.NoError(t, provider.SwitchChain(ctx, 5))
	require.Len(t, events, 1)
	require.Equal(t, EventChainChanged, events[0].Kind)
	require.Equal(t, uint64(5), events[0].ChainID)
}

func TestAddChainRejectsMismatchedEndpoint(t *testing.T) {
	provider, _, _ := newTestProvider(t, WithDialer(func(context.Context, string) (Backend, error) {
		return &fakeBackend{chainID: 99}, nil
	}))
	err := provider.AddChain(context.Background(), chain.Network{
		ChainID:        5,
		ChainName:      "Other",
		NativeCurrency: chain.NativeCurrency{Name: "ETH", Symbol: "ETH", Decimals: 18},
		RPCURLs:        []string{"http://other.invalid"},
	})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeInvalidParams, perr.Code)
}

func TestSendTransactionSignsWithSelectedKey(t *testing.T) {
	provider, key, backend := newTestProvider(t)
	ctx := context.Background()
	_, err := provider.RequestAccounts(ctx)
	require.NoError(t, err)

	to := common.HexToAddress("0xfDe024484852aA774569F3a7Ce34EFC63083C644")
	hash, err := provider.SendTransaction(ctx, TxRequest{
		From:     key.Address(),
		To:       &to,
		Gas:      100000,
		GasPrice: big.NewInt(2_000_000_000),
		Value:    big.NewInt(5),
		Data:     []byte{0xde, 0xad},
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(100000), tx.Gas())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chain.EDUChainTestnet().ChainIDBig()), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
}

func TestSendTransactionRequiresAuthorisation(t *testing.T) {
	provider, key, backend := newTestProvider(t)
	_, err := provider.SendTransaction(context.Background(), TxRequest{From: key.Address()})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeUnauthorized, perr.Code)
	require.Empty(t, backend.sent)
}

func TestSendTransactionRejectedByApprover(t *testing.T) {
	provider, key, backend := newTestProvider(t, WithApprover(RejectAll))
	ctx := context.Background()
	_, err := provider.RequestAccounts(ctx)
	require.NoError(t, err)

	_, err = provider.SendTransaction(ctx, TxRequest{From: key.Address(), Gas: 21000})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeUserRejected, perr.Code)
	require.Empty(t, backend.sent)
}

func TestSelectAccountEmitsAccountsChanged(t *testing.T) {
	first, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	second, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	provider, err := NewKeystoreProvider([]*crypto.PrivateKey{first, second})
	require.NoError(t, err)

	var got []Event
	provider.Subscribe(func(ev Event) { got = append(got, ev) })
	_, err = provider.RequestAccounts(context.Background())
	require.NoError(t, err)

	require.NoError(t, provider.SelectAccount(second.Address()))
	require.Len(t, got, 2)
	require.Equal(t, EventConnect, got[0].Kind)
	require.Equal(t, EventAccountsChanged, got[1].Kind)
	require.Equal(t, second.Address(), got[1].Accounts[0])

	provider.Disconnect()
	require.Equal(t, EventDisconnect, got[2].Kind)
}

func TestCloseReleasesBackends(t *testing.T) {
	provider, _, backend := newTestProvider(t)
	provider.Close()
	require.True(t, backend.closed)
	_, err := provider.ChainID(context.Background())
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeChainDisconnected, perr.Code)
}
