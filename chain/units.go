package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Gwei is 10^9 wei.
var Gwei = big.NewInt(1_000_000_000)

const etherDecimals = 18

// ParseWei parses a decimal wei amount and rejects values that do not fit a uint256.
func ParseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: empty amount")
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse amount %q: %w", raw, err)
	}
	return value.ToBig(), nil
}

// EtherToWei converts a decimal ether amount ("0.01") into wei.
func EtherToWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: empty ether amount")
	}
	if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("chain: ether amount %q must be unsigned", raw)
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("chain: ether amount %q has more than %d decimals", raw, etherDecimals)
	}
	digits := whole + frac + strings.Repeat("0", etherDecimals-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("chain: invalid ether amount %q", raw)
		}
	}
	return ParseWei(digits)
}

// WeiToEther renders a wei amount as a trimmed decimal ether string.
func WeiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := wei.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= etherDecimals {
		s = strings.Repeat("0", etherDecimals-len(s)+1) + s
	}
	whole := s[:len(s)-etherDecimals]
	frac := strings.TrimRight(s[len(s)-etherDecimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseTokenID parses the decimal token identifier used as the cross-system join key.
func ParseTokenID(raw string) (*big.Int, error) {
	id, err := ParseWei(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid token id %q", raw)
	}
	return id, nil
}
