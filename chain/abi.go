package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract method and event names consumed from the NoteNFT contract.
const (
	MethodName             = "name"
	MethodCreateNote       = "createNote"
	MethodMintNote         = "mintNote"
	MethodGetNoteDetails   = "getNoteDetails"
	MethodHasNoteAccess    = "hasNoteAccess"
	MethodToggleNoteActive = "toggleNoteActive"
	MethodUpdateNotePrice  = "updateNotePrice"
	MethodBalanceOf        = "balanceOf"

	EventNoteCreated = "NoteCreated"
)

const noteNFTABIJSON = `[
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"createNote","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenURI","type":"string"},{"name":"contentHash","type":"string"},{"name":"maxSupply","type":"uint256"},{"name":"price","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"mintNote","stateMutability":"payable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getNoteDetails","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"author","type":"address"},{"name":"isActive","type":"bool"},{"name":"price","type":"uint256"},{"name":"currentSupply","type":"uint256"},{"name":"maxSupply","type":"uint256"}]},
  {"type":"function","name":"hasNoteAccess","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"toggleNoteActive","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateNotePrice","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"newPrice","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"NoteCreated","anonymous":false,
   "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"author","type":"address","indexed":true},{"name":"tokenURI","type":"string","indexed":false},{"name":"price","type":"uint256","indexed":false},{"name":"maxSupply","type":"uint256","indexed":false}]},
  {"type":"event","name":"NoteStatusChanged","anonymous":false,
   "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"isActive","type":"bool","indexed":false}]},
  {"type":"event","name":"NotePriceUpdated","anonymous":false,
   "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"newPrice","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferSingle","anonymous":false,
   "inputs":[{"name":"operator","type":"address","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"id","type":"uint256","indexed":false},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	noteABIOnce sync.Once
	noteABI     abi.ABI
	noteABIErr  error
)

// NoteNFTABI returns the parsed interface of the NoteNFT contract.
func NoteNFTABI() (abi.ABI, error) {
	noteABIOnce.Do(func() {
		noteABI, noteABIErr = abi.JSON(strings.NewReader(noteNFTABIJSON))
		if noteABIErr != nil {
			noteABIErr = fmt.Errorf("chain: parse NoteNFT abi: %w", noteABIErr)
		}
	})
	return noteABI, noteABIErr
}
