package txn

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"notegate/chain"
)

// TxStatus is the on-chain state of a previously submitted transaction.
type TxStatus struct {
	TxHash      common.Hash   `json:"txHash"`
	State       string        `json:"state"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	GasUsed     uint64        `json:"gasUsed,omitempty"`
	Events      []chain.Event `json:"events,omitempty"`
}

// Status re-queries the receipt for hash. A missing receipt reports StatusPending.
func (o *Orchestrator) Status(ctx context.Context, hash common.Hash) (TxStatus, error) {
	s, err := o.sessions.EnsureSession(ctx)
	if err != nil {
		return TxStatus{}, o.classifier.Classify(err)
	}
	receipt, err := retryRead(ctx, o, "status", "receipt", func(ctx context.Context) (*gethtypes.Receipt, error) {
		return s.Provider().TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return TxStatus{TxHash: hash, State: StatusPending}, nil
	}
	if err != nil {
		return TxStatus{}, o.classifier.Classify(err)
	}
	status := TxStatus{TxHash: hash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		status.State = StatusReverted
		return status, nil
	}
	status.State = StatusConfirmed
	if events, err := s.Contract().DecodeReceipt(receipt); err == nil {
		status.Events = events
	}
	return status, nil
}
