package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// NativeCurrency describes the gas token advertised to wallets when a network is registered.
type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// Network is the fixed descriptor used verbatim for wallet switch and add-network requests.
type Network struct {
	ChainID           uint64         `json:"-" yaml:"-"`
	ChainName         string         `json:"chainName" yaml:"chain_name"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency" yaml:"native_currency"`
	RPCURLs           []string       `json:"rpcUrls" yaml:"rpc_urls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls" yaml:"block_explorer_urls"`
}

// EDUChainTestnet returns the descriptor for the EDU Chain testnet.
func EDUChainTestnet() Network {
	return Network{
		ChainID:   0xa045c,
		ChainName: "EDU Chain Testnet",
		NativeCurrency: NativeCurrency{
			Name:     "EDU",
			Symbol:   "EDU",
			Decimals: 18,
		},
		RPCURLs:           []string{"https://rpc.edu.eluv.io"},
		BlockExplorerURLs: []string{"https://testnet.eduscan.io"},
	}
}

// HexChainID renders the chain identifier the way EIP-3085 wallets expect it.
func (n Network) HexChainID() string {
	return "0x" + strconv.FormatUint(n.ChainID, 16)
}

// ChainIDBig returns the chain identifier as a big integer for signers.
func (n Network) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(n.ChainID)
}

// Matches reports whether the supplied chain id is the one this descriptor requires.
func (n Network) Matches(chainID *big.Int) bool {
	if chainID == nil || !chainID.IsUint64() {
		return false
	}
	return chainID.Uint64() == n.ChainID
}

// Validate checks that the descriptor is complete enough to register with a wallet.
func (n Network) Validate() error {
	if n.ChainID == 0 {
		return fmt.Errorf("chain: chain id required")
	}
	if strings.TrimSpace(n.ChainName) == "" {
		return fmt.Errorf("chain: chain name required")
	}
	if strings.TrimSpace(n.NativeCurrency.Symbol) == "" {
		return fmt.Errorf("chain: native currency symbol required")
	}
	if len(n.RPCURLs) == 0 || strings.TrimSpace(n.RPCURLs[0]) == "" {
		return fmt.Errorf("chain: at least one rpc url required")
	}
	return nil
}

// MarshalJSON emits the wallet_addEthereumChain parameter object.
func (n Network) MarshalJSON() ([]byte, error) {
	type alias Network
	return json.Marshal(struct {
		ChainID string `json:"chainId"`
		alias
	}{ChainID: n.HexChainID(), alias: alias(n)})
}

// UnmarshalJSON accepts the wallet_addEthereumChain parameter object.
func (n *Network) UnmarshalJSON(data []byte) error {
	type alias Network
	var raw struct {
		ChainID string `json:"chainId"`
		alias
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := ParseChainID(raw.ChainID)
	if err != nil {
		return err
	}
	*n = Network(raw.alias)
	n.ChainID = id
	return nil
}

// ParseChainID accepts either a 0x-prefixed hex or a decimal chain identifier.
func ParseChainID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("chain: empty chain id")
	}
	var (
		value uint64
		err   error
	)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		value, err = strconv.ParseUint(trimmed[2:], 16, 64)
	} else {
		value, err = strconv.ParseUint(trimmed, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("chain: parse chain id %q: %w", raw, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("chain: chain id must be non-zero")
	}
	return value, nil
}
