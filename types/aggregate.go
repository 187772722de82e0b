package types

import (
	"github.com/colorfulnotion/aggregator/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AggregateProof is the folded proof for one batch. Commitment is the public
// digest the proof attests to and must equal the batch tree root.
type AggregateProof struct {
	Proof        hexutil.Bytes `json:"proof"`
	PublicValues hexutil.Bytes `json:"public_values"`
	Commitment   common.Hash   `json:"commitment"`
}

// TxReceipt is what the relayer reports once a verification tx is confirmed.
type TxReceipt struct {
	TxContext
	BlockNumber uint64 `json:"block_number"`
}
