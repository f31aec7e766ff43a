package txn

import (
	"math/big"

	"notegate/chain"
)

// Operation names a contract write the orchestrator can run.
type Operation string

const (
	OpCreateNote       Operation = "createNote"
	OpMintNote         Operation = "mintNote"
	OpToggleNoteActive Operation = "toggleNoteActive"
	OpUpdateNotePrice  Operation = "updateNotePrice"
)

// BaseGasPriceFallback is used when the node cannot report a gas price.
var BaseGasPriceFallback = new(big.Int).Mul(big.NewInt(20), chain.Gwei)

// GasPolicy holds the per-operation multipliers. Percentages are integers, 150 meaning x1.5.
type GasPolicy struct {
	EstimatePct uint64
	FallbackGas uint64
	FallbackPct uint64
	// Cap bounds the gas limit when non-zero.
	Cap        uint64
	PricePct   uint64
	PriceFloor *big.Int
}

// DefaultPolicies returns the built-in gas policies.
func DefaultPolicies() map[Operation]GasPolicy {
	return map[Operation]GasPolicy{
		OpCreateNote:       {EstimatePct: 150, FallbackGas: 8_000_000, FallbackPct: 100, PricePct: 150},
		OpMintNote:         {EstimatePct: 120, FallbackGas: 5_000_000, FallbackPct: 150, PricePct: 110},
		OpToggleNoteActive: {EstimatePct: 120, FallbackGas: 300_000, FallbackPct: 150, PricePct: 120},
		OpUpdateNotePrice: {
			EstimatePct: 110,
			FallbackGas: 3_000_000,
			FallbackPct: 100,
			Cap:         3_000_000,
			PricePct:    120,
			PriceFloor:  new(big.Int).Mul(big.NewInt(20), chain.Gwei),
		},
	}
}

// GasLimit applies the policy to an estimate, or to the fallback when estimated is false.
func (p GasPolicy) GasLimit(estimate uint64, estimated bool) uint64 {
	var limit uint64
	if estimated {
		limit = mulPct(estimate, p.EstimatePct)
	} else {
		limit = mulPct(p.FallbackGas, p.FallbackPct)
	}
	if p.Cap > 0 && limit > p.Cap {
		limit = p.Cap
	}
	return limit
}

// GasPrice inflates base by PricePct and raises it to PriceFloor.
func (p GasPolicy) GasPrice(base *big.Int) *big.Int {
	if base == nil || base.Sign() <= 0 {
		base = BaseGasPriceFallback
	}
	pct := p.PricePct
	if pct == 0 {
		pct = 100
	}
	price := new(big.Int).Mul(base, new(big.Int).SetUint64(pct))
	price.Add(price, big.NewInt(99))
	price.Quo(price, big.NewInt(100))
	if p.PriceFloor != nil && price.Cmp(p.PriceFloor) < 0 {
		price.Set(p.PriceFloor)
	}
	return price
}

// mulPct multiplies x by pct/100 rounding up.
func mulPct(x, pct uint64) uint64 {
	if pct == 0 {
		pct = 100
	}
	return (x*pct + 99) / 100
}
