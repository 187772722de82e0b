// Package worker periodically pulls a batch from the aggregation service,
// commits to it, folds its proofs and relays the aggregate for on-chain
// verification.
package worker

import (
	"context"

	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/types"
)

// ProofSystem folds individually valid proofs into one aggregate proof whose
// commitment is the Merkle root over the batch leaves.
type ProofSystem interface {
	Fold(ctx context.Context, proofs [][]byte, vks [][]byte) (*types.AggregateProof, error)
}

// ChainRelayer submits an aggregate proof for on-chain verification and
// waits for confirmation. Once a transaction is sent the relayer must finish
// on its own deadline; callers hand it a context that is not cancelled by
// shutdown.
type ChainRelayer interface {
	Submit(ctx context.Context, commitment common.Hash, proof *types.AggregateProof) (*types.TxReceipt, error)
}

// AggregationClient is the part of the service contract the worker drives.
// Both *service.Service and *rpcclient.AggregatorClient satisfy it.
type AggregationClient interface {
	GetBatch(ctx context.Context, createdAfter int64, batchSize int) (*types.Batch, error)
	ProcessBatch(ctx context.Context, batchID common.Hash, requests []types.ProofRequest) ([]common.Hash, error)
	WriteTree(ctx context.Context, batchID common.Hash, tree []byte) error
	UpdateBatchStatus(ctx context.Context, batchID common.Hash, status types.Status, txc *types.TxContext) error
	GetBatchInfo(ctx context.Context, batchID common.Hash) (*types.BatchInfo, error)
}
