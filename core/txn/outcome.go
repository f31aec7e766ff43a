package txn

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"notegate/chain"
	corerrors "notegate/core/errors"
)

// Success describes a confirmed, decoded transaction.
type Success struct {
	TxHash      common.Hash   `json:"txHash"`
	BlockNumber uint64        `json:"blockNumber"`
	GasUsed     uint64        `json:"gasUsed"`
	Events      []chain.Event `json:"events"`
	// TokenID is set for createNote from the NoteCreated event.
	TokenID *big.Int `json:"tokenId,omitempty"`
}

// Outcome is exactly one of Success or Failure.
type Outcome struct {
	Operation Operation          `json:"operation"`
	Success   *Success           `json:"success,omitempty"`
	Failure   *corerrors.Failure `json:"-"`
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool { return o.Success != nil && o.Failure == nil }

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Kind returns the failure kind, or the empty string on success.
func (o Outcome) Kind() corerrors.Kind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

func failed(op Operation, f *corerrors.Failure) Outcome {
	return Outcome{Operation: op, Failure: f}
}

func succeeded(op Operation, s *Success) Outcome {
	return Outcome{Operation: op, Success: s}
}
