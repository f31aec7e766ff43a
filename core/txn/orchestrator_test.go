package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"notegate/chain"
	corerrors "notegate/core/errors"
	"notegate/core/session"
	"notegate/wallet"
	"notegate/wallet/wallettest"
)

var (
	contractAddr = common.HexToAddress("0xfDe024484852aA774569F3a7Ce34EFC63083C644")
	author       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger     = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	firstHash    = common.BigToHash(big.NewInt(1))
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

type memJournal struct {
	submitted []Submission
	resolved  map[common.Hash]string
}

func (j *memJournal) Submitted(_ context.Context, sub Submission) error {
	j.submitted = append(j.submitted, sub)
	return nil
}

func (j *memJournal) Resolved(_ context.Context, hash common.Hash, status, _ string) error {
	if j.resolved == nil {
		j.resolved = make(map[common.Hash]string)
	}
	j.resolved[hash] = status
	return nil
}

type harness struct {
	provider *wallettest.Provider
	sessions *session.Manager
	orch     *Orchestrator
	clock    *fakeClock
	journal  *memJournal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	provider := wallettest.New(chain.EDUChainTestnet().ChainID, author)
	provider.Handle(chain.MethodName, func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{"NoteNFT"}, nil
	})
	sessions, err := session.NewManager(provider, session.Config{Network: chain.EDUChainTestnet(), ContractAddress: contractAddr})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	journal := &memJournal{}
	base := []Option{WithClock(clock.Now), WithSleep(clock.Sleep), WithJournal(journal)}
	orch, err := New(sessions, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{provider: provider, sessions: sessions, orch: orch, clock: clock, journal: journal}
}

func (h *harness) noteDetails(active bool, price, current, max int64) {
	h.provider.Handle(chain.MethodGetNoteDetails, func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{author, active, big.NewInt(price), big.NewInt(current), big.NewInt(max)}, nil
	})
}

func createRequest() CreateNoteRequest {
	return CreateNoteRequest{
		TokenURI:    "ipfs://bafkreiexample",
		ContentHash: "0xabc",
		MaxSupply:   big.NewInt(10),
		Price:       big.NewInt(1e16),
	}
}

func TestCreateNoteReturnsTokenID(t *testing.T) {
	h := newHarness(t)
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash,
		wallettest.NoteCreatedLog(contractAddr, big.NewInt(42), author, "ipfs://bafkreiexample", big.NewInt(1e16), big.NewInt(10))))

	out := h.orch.CreateNote(context.Background(), createRequest())
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, int64(42), out.Success.TokenID.Int64())
	require.Equal(t, firstHash, out.Success.TxHash)

	sent := h.provider.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, uint64(150000), sent[0].Gas)
	require.Equal(t, big.NewInt(1_500_000_000), sent[0].GasPrice)
	require.Equal(t, author, sent[0].From)
	require.Len(t, h.journal.submitted, 1)
	require.Equal(t, StatusConfirmed, h.journal.resolved[firstHash])
}

func TestCreateNoteWithoutEventIsEventMissing(t *testing.T) {
	h := newHarness(t)
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.CreateNote(context.Background(), createRequest())
	require.False(t, out.OK())
	require.Equal(t, corerrors.EventMissing, out.Kind())
	require.Equal(t, firstHash.Hex(), out.Failure.TxHash)
}

func TestCreateNoteUsesFixedFallbackGas(t *testing.T) {
	h := newHarness(t)
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("execution reverted")
	}
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash,
		wallettest.NoteCreatedLog(contractAddr, big.NewInt(1), author, "u", big.NewInt(0), big.NewInt(1))))

	out := h.orch.CreateNote(context.Background(), createRequest())
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, uint64(8_000_000), h.provider.Sent()[0].Gas)
}

func TestCreateNoteRejectsUnknownAccount(t *testing.T) {
	h := newHarness(t)
	req := createRequest()
	req.From = stranger

	out := h.orch.CreateNote(context.Background(), req)
	require.Equal(t, corerrors.AccountMismatch, out.Kind())
	require.Zero(t, h.provider.Count("SendTransaction"))
}

func TestInvalidArgumentsMakeNoNetworkCalls(t *testing.T) {
	h := newHarness(t)
	req := createRequest()
	req.TokenURI = ""

	out := h.orch.CreateNote(context.Background(), req)
	require.Equal(t, corerrors.InvalidArguments, out.Kind())
	require.Zero(t, h.provider.Count("RequestAccounts"))

	out = h.orch.MintNote(context.Background(), nil)
	require.Equal(t, corerrors.InvalidArguments, out.Kind())
	out = h.orch.UpdateNotePrice(context.Background(), big.NewInt(1), big.NewInt(-1))
	require.Equal(t, corerrors.InvalidArguments, out.Kind())
	require.Zero(t, h.provider.Count("RequestAccounts"))
}

func TestMintSupplyExhaustedSkipsSubmission(t *testing.T) {
	h := newHarness(t)
	h.noteDetails(true, 1e16, 10, 10)

	out := h.orch.MintNote(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.SupplyExhausted, out.Kind())
	require.Zero(t, h.provider.Count("EstimateGas"))
	require.Zero(t, h.provider.Count("SuggestGasPrice"))
	require.Zero(t, h.provider.Count("SendTransaction"))
}

func TestMintInactiveSkipsSubmission(t *testing.T) {
	h := newHarness(t)
	h.noteDetails(false, 1e16, 0, 10)

	out := h.orch.MintNote(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.NoteInactive, out.Kind())
	require.Zero(t, h.provider.Count("EstimateGas"))
	require.Zero(t, h.provider.Count("SendTransaction"))
}

func TestMintFallbackGasIsInflatedDefault(t *testing.T) {
	h := newHarness(t)
	h.noteDetails(true, 1e16, 1, 10)
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("gas required exceeds allowance")
	}
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.MintNote(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
	sent := h.provider.Sent()[0]
	require.Equal(t, uint64(7_500_000), sent.Gas)
	require.Equal(t, big.NewInt(1e16), sent.Value)
	require.Equal(t, big.NewInt(1_100_000_000), sent.GasPrice)
}

func TestEstimationRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.noteDetails(true, 0, 0, 10)
	attempts := 0
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) {
		attempts++
		if attempts < 3 {
			return 0, &wallet.ProviderError{Code: -32603, Message: "Internal JSON-RPC error."}
		}
		return 50000, nil
	}
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.MintNote(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, 3, attempts)
	require.Equal(t, uint64(60000), h.provider.Sent()[0].Gas)
	require.Contains(t, h.clock.sleeps, 3*time.Second)
}

func TestUserRejectionCodeWins(t *testing.T) {
	h := newHarness(t)
	h.provider.SendFn = func(wallet.TxRequest) (common.Hash, error) {
		return common.Hash{}, &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "insufficient funds for gas"}
	}

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(3))
	require.Equal(t, corerrors.UserRejected, out.Kind())
	require.Empty(t, h.journal.submitted)
}

func TestUpdatePriceCapsGasAndFloorsPrice(t *testing.T) {
	h := newHarness(t)
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) { return 5_000_000, nil }
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.UpdateNotePrice(context.Background(), big.NewInt(1), big.NewInt(2e16))
	require.True(t, out.OK(), "failure: %v", out.Err())
	sent := h.provider.Sent()[0]
	require.Equal(t, uint64(3_000_000), sent.Gas)
	require.Equal(t, new(big.Int).Mul(big.NewInt(20), chain.Gwei), sent.GasPrice)
}

func TestGasPriceFallback(t *testing.T) {
	h := newHarness(t)
	h.provider.GasPriceFn = func() (*big.Int, error) { return nil, errors.New("method not found") }
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, new(big.Int).Mul(big.NewInt(24), chain.Gwei), h.provider.Sent()[0].GasPrice)
}

func TestConfirmationTimeoutKeepsHash(t *testing.T) {
	h := newHarness(t, WithConfirmTimeout(10*time.Second), WithPollInterval(time.Second))

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.NetworkRpcError, out.Kind())
	require.Equal(t, firstHash.Hex(), out.Failure.TxHash)
	require.Equal(t, 1, h.provider.Count("SendTransaction"))
	require.Equal(t, StatusPending, h.journal.resolved[firstHash])
}

func TestRevertedReceiptIsExecutionReverted(t *testing.T) {
	h := newHarness(t)
	h.provider.SetReceipt(firstHash, &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, TxHash: firstHash, BlockNumber: big.NewInt(9)})

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.ExecutionReverted, out.Kind())
	require.Equal(t, StatusReverted, h.journal.resolved[firstHash])
}

func TestWrongNetworkIsSwitchedBack(t *testing.T) {
	h := newHarness(t)
	_, err := h.sessions.EnsureSession(context.Background())
	require.NoError(t, err)
	h.provider.SetChain(1)
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
}

func TestWrongNetworkSwitchFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.sessions.EnsureSession(context.Background())
	require.NoError(t, err)
	h.provider.SetChain(1)
	h.provider.SwitchFn = func(uint64) error {
		return &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "User rejected the request."}
	}

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.WrongNetwork, out.Kind())
	require.Zero(t, h.provider.Count("SendTransaction"))
}

func TestStatusReportsPendingThenConfirmed(t *testing.T) {
	h := newHarness(t)
	status, err := h.orch.Status(context.Background(), firstHash)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status.State)

	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))
	status, err = h.orch.Status(context.Background(), firstHash)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status.State)
	require.Equal(t, uint64(1), status.BlockNumber)
}

func TestSessionRevalidatedAfterEstimation(t *testing.T) {
	h := newHarness(t)
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))
	emitted := false
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) {
		if !emitted {
			emitted = true
			h.provider.Emit(wallet.Event{Kind: wallet.EventChainChanged})
		}
		return 100000, nil
	}

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, 2, h.provider.Count("RequestAccounts"))
	require.Equal(t, 2, h.provider.Count("call:name"))
	require.Equal(t, 1, h.provider.Count("SendTransaction"))
}

func TestAccountSwitchDuringEstimationBlocksSubmission(t *testing.T) {
	h := newHarness(t)
	h.provider.EstimateFn = func(ethereum.CallMsg) (uint64, error) {
		h.provider.AccountsFn = func() ([]common.Address, error) {
			return []common.Address{stranger}, nil
		}
		h.provider.Emit(wallet.Event{Kind: wallet.EventAccountsChanged})
		return 100000, nil
	}

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.Equal(t, corerrors.AccountMismatch, out.Kind())
	require.Zero(t, h.provider.Count("SendTransaction"))
	require.Empty(t, h.provider.Sent())
}

func TestReceiptWaitReacquiresSession(t *testing.T) {
	h := newHarness(t)
	h.provider.SetReceipt(firstHash, wallettest.SuccessReceipt(firstHash))
	h.provider.SendFn = func(wallet.TxRequest) (common.Hash, error) {
		h.provider.Emit(wallet.Event{Kind: wallet.EventChainChanged})
		return firstHash, nil
	}

	out := h.orch.ToggleNoteActive(context.Background(), big.NewInt(1))
	require.True(t, out.OK(), "failure: %v", out.Err())
	require.Equal(t, 2, h.provider.Count("RequestAccounts"))
	require.Equal(t, 1, h.provider.Count("TransactionReceipt"))
}
