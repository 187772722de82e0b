package types

import (
	"github.com/colorfulnotion/aggregator/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxContext identifies the on-chain transaction that verified a batch.
type TxContext struct {
	TxHash          common.Hash    `json:"tx_hash"`
	ChainID         uint64         `json:"chain_id"`
	ContractAddress common.Address `json:"contract_address"`
}

// ProofRequest is one submitted proof and its lifecycle state.
type ProofRequest struct {
	ProofID         common.Hash   `json:"proof_id"`
	Status          Status        `json:"status"`
	Proof           hexutil.Bytes `json:"proof"`
	VerificationKey hexutil.Bytes `json:"verification_key"`
	BatchID         *common.Hash  `json:"batch_id,omitempty"`
	CreatedAt       int64         `json:"created_at"` // ms since epoch
	Seq             uint64        `json:"seq"`        // submission order within equal CreatedAt
	TxContext       *TxContext    `json:"tx_context,omitempty"`
}

// Before orders requests FIFO.
func (r *ProofRequest) Before(o *ProofRequest) bool {
	if r.CreatedAt != o.CreatedAt {
		return r.CreatedAt < o.CreatedAt
	}
	return r.Seq < o.Seq
}

// Batch is a candidate or committed set of requests in selection order.
type Batch struct {
	BatchID  common.Hash    `json:"batch_id"`
	Requests []ProofRequest `json:"requests"`
}

// ProofIDs returns member ids in batch order.
func (b *Batch) ProofIDs() []common.Hash {
	ids := make([]common.Hash, len(b.Requests))
	for i, r := range b.Requests {
		ids[i] = r.ProofID
	}
	return ids
}

// BatchInfo is the stored view of a committed batch.
type BatchInfo struct {
	BatchID common.Hash    `json:"batch_id"`
	Status  Status         `json:"status"`
	Members []ProofRequest `json:"members"`
	Tree    hexutil.Bytes  `json:"tree"`
}

// AggregatedData answers an inclusion proof poll. Fields past Status are
// filled as the request advances through its lifecycle.
type AggregatedData struct {
	Status          Status          `json:"status"`
	BatchID         *common.Hash    `json:"batch_id,omitempty"`
	Leaf            *common.Hash    `json:"leaf,omitempty"`
	Root            *common.Hash    `json:"root,omitempty"`
	Proof           []common.Hash   `json:"proof"`
	TxHash          *common.Hash    `json:"tx_hash,omitempty"`
	ChainID         *uint64         `json:"chain_id,omitempty"`
	ContractAddress *common.Address `json:"contract_address,omitempty"`
}

// NotFoundData is the sentinel answer for an unknown proof id.
func NotFoundData() *AggregatedData {
	return &AggregatedData{Status: StatusNotFound, Proof: []common.Hash{}}
}
