package rpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const namespace = "aggregation"

// AggregatorClient calls the aggregation service over JSON-RPC. Errors
// returned by the server come back wrapping the matching aggerrors kind.
type AggregatorClient struct {
	client *rpc.Client
}

// Dial connects to an aggregation endpoint such as http://127.0.0.1:50051.
func Dial(ctx context.Context, endpoint string) (*AggregatorClient, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewAggregatorClient(c), nil
}

func NewAggregatorClient(c *rpc.Client) *AggregatorClient {
	return &AggregatorClient{client: c}
}

func (c *AggregatorClient) Close() {
	c.client.Close()
}

func (c *AggregatorClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return aggerrors.FromRPC(c.client.CallContext(ctx, result, namespace+"_"+method, args...))
}

// ----------------- client side -----------------
func (c *AggregatorClient) Submit(ctx context.Context, proof, vk []byte) (common.Hash, error) {
	var id common.Hash
	err := c.call(ctx, &id, "submit", hexutil.Bytes(proof), hexutil.Bytes(vk))
	return id, err
}

func (c *AggregatorClient) GetStatus(ctx context.Context, proofID common.Hash) (types.Status, error) {
	var status types.Status
	err := c.call(ctx, &status, "getStatus", proofID)
	return status, err
}

func (c *AggregatorClient) GetBatch(ctx context.Context, createdAfter int64, batchSize int) (*types.Batch, error) {
	var batch types.Batch
	if err := c.call(ctx, &batch, "getBatch", createdAfter, batchSize); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (c *AggregatorClient) ProcessBatch(ctx context.Context, batchID common.Hash, requests []types.ProofRequest) ([]common.Hash, error) {
	var leaves []common.Hash
	if err := c.call(ctx, &leaves, "processBatch", batchID, requests); err != nil {
		return nil, err
	}
	return leaves, nil
}

func (c *AggregatorClient) WriteTree(ctx context.Context, batchID common.Hash, tree []byte) error {
	return c.call(ctx, nil, "writeTree", batchID, hexutil.Bytes(tree))
}

func (c *AggregatorClient) UpdateBatchStatus(ctx context.Context, batchID common.Hash, status types.Status, txc *types.TxContext) error {
	if txc == nil {
		return c.call(ctx, nil, "updateBatchStatus", batchID, status)
	}
	return c.call(ctx, nil, "updateBatchStatus", batchID, status, txc)
}

func (c *AggregatorClient) GetAggregatedData(ctx context.Context, proofID common.Hash) (*types.AggregatedData, error) {
	var data types.AggregatedData
	if err := c.call(ctx, &data, "getAggregatedData", proofID); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *AggregatorClient) GetBatchInfo(ctx context.Context, batchID common.Hash) (*types.BatchInfo, error) {
	var info types.BatchInfo
	if err := c.call(ctx, &info, "getBatchInfo", batchID); err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitForStatus polls proofID every interval until its status reaches want
// or ctx ends. It returns the last aggregated data observed.
func (c *AggregatorClient) WaitForStatus(ctx context.Context, proofID common.Hash, want types.Status, interval time.Duration) (*types.AggregatedData, error) {
	for {
		data, err := c.GetAggregatedData(ctx, proofID)
		if err != nil {
			return nil, err
		}
		if data.Status == types.StatusNotFound {
			return data, fmt.Errorf("%w: proof %s", aggerrors.ErrNotFound, proofID)
		}
		if data.Status >= want {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return data, fmt.Errorf("timed out waiting for proof %s to reach %s: %w", proofID, want, ctx.Err())
		case <-time.After(interval):
		}
	}
}
