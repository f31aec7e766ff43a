package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NoteDetails mirrors getNoteDetails. It is the source of truth for supply, price and
// active state; off-chain copies are caches.
type NoteDetails struct {
	Author        common.Address `json:"author"`
	IsActive      bool           `json:"isActive"`
	Price         *big.Int       `json:"price"`
	CurrentSupply *big.Int       `json:"currentSupply"`
	MaxSupply     *big.Int       `json:"maxSupply"`
}

// SupplyExhausted reports whether no further copies can be minted.
func (d NoteDetails) SupplyExhausted() bool {
	if d.CurrentSupply == nil || d.MaxSupply == nil {
		return true
	}
	return d.CurrentSupply.Cmp(d.MaxSupply) >= 0
}

// Event is a decoded contract log.
type Event struct {
	Name     string                 `json:"name"`
	Address  common.Address         `json:"address"`
	TxHash   common.Hash            `json:"txHash"`
	LogIndex uint                   `json:"logIndex"`
	Args     map[string]interface{} `json:"args"`
}

// NoteCreated is the typed form of the NoteCreated event.
type NoteCreated struct {
	TokenID   *big.Int
	Author    common.Address
	TokenURI  string
	Price     *big.Int
	MaxSupply *big.Int
}

// AsNoteCreated extracts the typed NoteCreated payload from a decoded event.
func (e Event) AsNoteCreated() (NoteCreated, bool) {
	if e.Name != EventNoteCreated {
		return NoteCreated{}, false
	}
	id, ok := e.Args["tokenId"].(*big.Int)
	if !ok || id == nil {
		return NoteCreated{}, false
	}
	out := NoteCreated{TokenID: id}
	out.Author, _ = e.Args["author"].(common.Address)
	out.TokenURI, _ = e.Args["tokenURI"].(string)
	out.Price, _ = e.Args["price"].(*big.Int)
	out.MaxSupply, _ = e.Args["maxSupply"].(*big.Int)
	return out, true
}
