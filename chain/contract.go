package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrNoCode is returned when a read hits an address with no contract deployed.
var ErrNoCode = errors.New("chain: empty response from contract call")

// Caller is the read-only subset of an Ethereum backend used by the binding.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NoteContract binds the NoteNFT interface to a fixed address.
type NoteContract struct {
	address common.Address
	abi     abi.ABI
	caller  Caller
}

// BindNoteContract returns a binding at address that issues reads through caller.
func BindNoteContract(address common.Address, caller Caller) (*NoteContract, error) {
	if (address == common.Address{}) {
		return nil, fmt.Errorf("chain: contract address required")
	}
	if caller == nil {
		return nil, fmt.Errorf("chain: contract caller required")
	}
	parsed, err := NoteNFTABI()
	if err != nil {
		return nil, err
	}
	return &NoteContract{address: address, abi: parsed, caller: caller}, nil
}

// Address returns the bound contract address.
func (c *NoteContract) Address() common.Address {
	return c.address
}

// ABI exposes the parsed interface.
func (c *NoteContract) ABI() abi.ABI {
	return c.abi
}

// Pack encodes calldata for the named method.
func (c *NoteContract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

func (c *NoteContract) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := c.address
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	out, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrNoCode)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return values, nil
}

// Name reads the ERC-1155 collection name. It is the cheap call used to verify a binding.
func (c *NoteContract) Name(ctx context.Context) (string, error) {
	values, err := c.call(ctx, common.Address{}, MethodName)
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("chain: name returned %d values", len(values))
	}
	name, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("chain: name returned %T", values[0])
	}
	return name, nil
}

// GetNoteDetails reads the authoritative on-chain state of a note.
func (c *NoteContract) GetNoteDetails(ctx context.Context, tokenID *big.Int) (NoteDetails, error) {
	if tokenID == nil {
		return NoteDetails{}, fmt.Errorf("chain: token id required")
	}
	values, err := c.call(ctx, common.Address{}, MethodGetNoteDetails, tokenID)
	if err != nil {
		return NoteDetails{}, err
	}
	if len(values) != 5 {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails returned %d values", len(values))
	}
	var (
		details NoteDetails
		ok      bool
	)
	if details.Author, ok = values[0].(common.Address); !ok {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails author is %T", values[0])
	}
	if details.IsActive, ok = values[1].(bool); !ok {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails isActive is %T", values[1])
	}
	if details.Price, ok = values[2].(*big.Int); !ok {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails price is %T", values[2])
	}
	if details.CurrentSupply, ok = values[3].(*big.Int); !ok {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails currentSupply is %T", values[3])
	}
	if details.MaxSupply, ok = values[4].(*big.Int); !ok {
		return NoteDetails{}, fmt.Errorf("chain: getNoteDetails maxSupply is %T", values[4])
	}
	return details, nil
}

// HasNoteAccess evaluates the contract-side access predicate (holder or author).
func (c *NoteContract) HasNoteAccess(ctx context.Context, tokenID *big.Int, viewer common.Address) (bool, error) {
	if tokenID == nil {
		return false, fmt.Errorf("chain: token id required")
	}
	values, err := c.call(ctx, viewer, MethodHasNoteAccess, tokenID, viewer)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("chain: hasNoteAccess returned %d values", len(values))
	}
	granted, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: hasNoteAccess returned %T", values[0])
	}
	return granted, nil
}

// BalanceOf reads the ERC-1155 balance of owner for tokenID.
func (c *NoteContract) BalanceOf(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("chain: token id required")
	}
	values, err := c.call(ctx, owner, MethodBalanceOf, owner, tokenID)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: balanceOf returned %d values", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: balanceOf returned %T", values[0])
	}
	return balance, nil
}

// DecodeReceipt decodes every log in the receipt emitted by the bound contract whose
// signature is part of the interface. Unknown logs are skipped.
func (c *NoteContract) DecodeReceipt(receipt *gethtypes.Receipt) ([]Event, error) {
	if receipt == nil {
		return nil, fmt.Errorf("chain: receipt required")
	}
	events := make([]Event, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil || log.Address != c.address || len(log.Topics) == 0 {
			continue
		}
		abiEvent, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue
		}
		args := make(map[string]interface{}, len(abiEvent.Inputs))
		if len(log.Data) > 0 {
			if err := abiEvent.Inputs.NonIndexed().UnpackIntoMap(args, log.Data); err != nil {
				return nil, fmt.Errorf("chain: decode %s data: %w", abiEvent.Name, err)
			}
		}
		var indexed abi.Arguments
		for _, input := range abiEvent.Inputs {
			if input.Indexed {
				indexed = append(indexed, input)
			}
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("chain: decode %s topics: %w", abiEvent.Name, err)
		}
		events = append(events, Event{
			Name:     abiEvent.Name,
			Address:  log.Address,
			TxHash:   log.TxHash,
			LogIndex: log.Index,
			Args:     args,
		})
	}
	return events, nil
}

// FindNoteCreated returns the first NoteCreated event among events.
func FindNoteCreated(events []Event) (NoteCreated, bool) {
	for _, ev := range events {
		if created, ok := ev.AsNoteCreated(); ok {
			return created, true
		}
	}
	return NoteCreated{}, false
}
