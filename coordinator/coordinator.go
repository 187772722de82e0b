// Package coordinator drives proof requests through batch selection,
// commitment and finalization on top of a RequestStore.
//
// Only one Coordinator may mutate a given store at a time. Within a process
// the batch-mutating calls are serialized by a mutex; across processes no
// exclusion is provided.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/codec"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/merkle"
	"github.com/colorfulnotion/aggregator/storage"
	"github.com/colorfulnotion/aggregator/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultTreeCacheSize = 256

type Coordinator struct {
	store storage.RequestStore
	ids   common.IDSource
	trees *lru.Cache[common.Hash, *merkle.Tree]

	mu sync.Mutex
}

// New returns a coordinator over store. ids mints batch ids; nil means
// crypto/rand. treeCacheSize <= 0 selects the default.
func New(store storage.RequestStore, ids common.IDSource, treeCacheSize int) (*Coordinator, error) {
	if ids == nil {
		ids = common.NewIDSource(nil)
	}
	if treeCacheSize <= 0 {
		treeCacheSize = defaultTreeCacheSize
	}
	trees, err := lru.New[common.Hash, *merkle.Tree](treeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{store: store, ids: ids, trees: trees}, nil
}

// Store exposes the underlying store for read paths.
func (c *Coordinator) Store() storage.RequestStore {
	return c.store
}

// SelectBatch mints a fresh batch id and returns up to maxSize Pending
// requests created after createdAfter, oldest first. Nothing is modified.
func (c *Coordinator) SelectBatch(ctx context.Context, createdAfter int64, maxSize int) (*types.Batch, error) {
	batchID, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate batch id: %v", aggerrors.ErrStorageFailure, err)
	}
	reqs, err := c.store.SelectPending(ctx, createdAfter, maxSize)
	if err != nil {
		return nil, err
	}
	log.Debug(log.Coordinator, "SelectBatch", "batchID", batchID, "candidates", len(reqs), "createdAfter", createdAfter)
	return &types.Batch{BatchID: batchID, Requests: reqs}, nil
}

// LeafOf derives the commitment leaf from a request's stored payloads.
func LeafOf(req *types.ProofRequest) (common.Hash, error) {
	leaf, err := codec.LeafFor(req.Proof, req.VerificationKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("proof %s: %w", req.ProofID, err)
	}
	return leaf, nil
}

// ProcessBatch assigns batchID to requests in the given order and returns
// their leaves in that same order. Payloads are read back from the store so
// the leaves always reflect what was persisted. Either every request moves to
// Aggregated or none does. An empty request list is a no-op.
func (c *Coordinator) ProcessBatch(ctx context.Context, batchID common.Hash, requests []types.ProofRequest) ([]common.Hash, error) {
	leaves := make([]common.Hash, 0, len(requests))
	if len(requests) == 0 {
		return leaves, nil
	}
	ids := (&types.Batch{Requests: requests}).ProofIDs()
	if dup, ok := storage.UniqueIDs(ids); !ok {
		return nil, fmt.Errorf("%w: proof %s listed twice", aggerrors.ErrInvariantViolation, dup)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		stored, err := c.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored.Status != types.StatusPending {
			return nil, fmt.Errorf("%w: proof %s is %s", aggerrors.ErrInvariantViolation, id, stored.Status)
		}
		leaf, err := LeafOf(stored)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	if err := c.store.SetBatch(ctx, ids, batchID); err != nil {
		return nil, err
	}
	log.Info(log.Coordinator, "Batch aggregated", "batchID", batchID, "size", len(ids))
	return leaves, nil
}

// BatchLeaves returns the members of batchID in membership order together
// with their recomputed leaves.
func (c *Coordinator) BatchLeaves(ctx context.Context, batchID common.Hash) ([]types.ProofRequest, []common.Hash, error) {
	ids, err := c.store.BatchMembers(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	members := make([]types.ProofRequest, len(ids))
	leaves := make([]common.Hash, len(ids))
	for i, id := range ids {
		req, err := c.store.GetRequest(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		leaf, err := LeafOf(req)
		if err != nil {
			return nil, nil, err
		}
		members[i] = *req
		leaves[i] = leaf
	}
	return members, leaves, nil
}

// WriteTree validates data as the serialized tree over batchID's leaves in
// membership order and persists it.
func (c *Coordinator) WriteTree(ctx context.Context, batchID common.Hash, data []byte) error {
	tree, err := merkle.Deserialize(data)
	if err != nil {
		return fmt.Errorf("%w: batch %s: %v", aggerrors.ErrMalformedPayload, batchID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, leaves, err := c.BatchLeaves(ctx, batchID)
	if err != nil {
		return err
	}
	if len(leaves) != len(tree.Leaves) {
		return fmt.Errorf("%w: batch %s has %d members, tree has %d leaves", aggerrors.ErrInvariantViolation, batchID, len(leaves), len(tree.Leaves))
	}
	for i := range leaves {
		if leaves[i] != tree.Leaves[i] {
			return fmt.Errorf("%w: batch %s leaf %d does not match member %d", aggerrors.ErrInvariantViolation, batchID, i, i)
		}
	}
	if err := c.store.WriteTree(ctx, batchID, data); err != nil {
		return err
	}
	c.trees.Add(batchID, tree)
	log.Info(log.Coordinator, "Tree written", "batchID", batchID, "root", tree.Root, "leaves", len(leaves))
	return nil
}

// Tree loads and decodes the stored tree for batchID.
func (c *Coordinator) Tree(ctx context.Context, batchID common.Hash) (*merkle.Tree, error) {
	if tree, ok := c.trees.Get(batchID); ok {
		return tree, nil
	}
	data, err := c.store.GetTree(ctx, batchID)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored tree for batch %s: %v", aggerrors.ErrMalformedPayload, batchID, err)
	}
	c.trees.Add(batchID, tree)
	return tree, nil
}

// UpdateBatchStatus applies status to every member of batchID. Verified
// requires a written tree and writes txc, when given, in the same atomic
// step. Re-applying the current status is a no-op.
func (c *Coordinator) UpdateBatchStatus(ctx context.Context, batchID common.Hash, status types.Status, txc *types.TxContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status {
	case types.StatusVerified:
		if _, err := c.store.GetTree(ctx, batchID); err != nil {
			if aggerrors.IsNotFound(err) {
				if _, merr := c.store.BatchMembers(ctx, batchID); merr != nil {
					return merr
				}
				return fmt.Errorf("%w: batch %s has no tree", aggerrors.ErrInvariantViolation, batchID)
			}
			return err
		}
		if err := c.store.FinalizeBatch(ctx, batchID, txc); err != nil {
			return err
		}
		log.Info(log.Coordinator, "Batch verified", "batchID", batchID, "tx", txHashOf(txc))
		return nil
	case types.StatusAggregated:
		if txc != nil {
			return fmt.Errorf("%w: tx context only accompanies Verified", aggerrors.ErrInvariantViolation)
		}
		ids, err := c.store.BatchMembers(ctx, batchID)
		if err != nil {
			return err
		}
		return c.store.SetStatus(ctx, ids, status)
	default:
		return fmt.Errorf("%w: batch status cannot be set to %s", aggerrors.ErrInvariantViolation, status)
	}
}

func txHashOf(txc *types.TxContext) string {
	if txc == nil {
		return ""
	}
	return txc.TxHash.Hex()
}

// BatchInfo returns the stored view of batchID. Tree is empty until written.
func (c *Coordinator) BatchInfo(ctx context.Context, batchID common.Hash) (*types.BatchInfo, error) {
	ids, err := c.store.BatchMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}
	info := &types.BatchInfo{BatchID: batchID, Members: make([]types.ProofRequest, len(ids)), Tree: []byte{}}
	for i, id := range ids {
		req, err := c.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		info.Members[i] = *req
		if info.Status == 0 || req.Status < info.Status {
			info.Status = req.Status
		}
	}
	tree, err := c.store.GetTree(ctx, batchID)
	switch {
	case err == nil:
		info.Tree = tree
	case !aggerrors.IsNotFound(err):
		return nil, err
	}
	return info, nil
}

// AggregatedData answers an inclusion poll for proofID. An unknown id yields
// the NotFound sentinel rather than an error.
func (c *Coordinator) AggregatedData(ctx context.Context, proofID common.Hash) (*types.AggregatedData, error) {
	req, err := c.store.GetRequest(ctx, proofID)
	if aggerrors.IsNotFound(err) {
		return types.NotFoundData(), nil
	}
	if err != nil {
		return nil, err
	}
	out := &types.AggregatedData{Status: req.Status, Proof: []common.Hash{}}
	if req.BatchID == nil {
		return out, nil
	}
	batchID := *req.BatchID
	out.BatchID = &batchID

	tree, err := c.Tree(ctx, batchID)
	if aggerrors.IsNotFound(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	leaf, err := LeafOf(req)
	if err != nil {
		return nil, err
	}
	proof, err := tree.GenerateProof(leaf)
	if errors.Is(err, merkle.ErrLeafNotFound) {
		return nil, fmt.Errorf("%w: leaf of proof %s missing from batch %s tree", aggerrors.ErrInvariantViolation, proofID, batchID)
	}
	if err != nil {
		return nil, err
	}
	root := tree.Root
	out.Leaf = &leaf
	out.Root = &root
	out.Proof = proof
	if req.Status == types.StatusVerified && req.TxContext != nil {
		txc := *req.TxContext
		out.TxHash = &txc.TxHash
		out.ChainID = &txc.ChainID
		out.ContractAddress = &txc.ContractAddress
	}
	return out, nil
}
