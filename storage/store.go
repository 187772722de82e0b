// Package storage persists proof requests, batch membership and batch trees.
package storage

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/types"
)

// RequestStore is the persisted registry of proof requests. Every multi-row
// mutation is atomic: either all named rows change or none do.
//
// Errors wrap aggerrors kinds: ErrNotFound for unknown ids, ErrStorageFailure
// when the backend fails, ErrInvariantViolation when a mutation would break
// the request lifecycle.
type RequestStore interface {
	// CreateRequest stores a new Pending request and returns it.
	CreateRequest(ctx context.Context, proof, vk []byte) (*types.ProofRequest, error)
	GetRequest(ctx context.Context, proofID common.Hash) (*types.ProofRequest, error)
	// SelectPending returns up to limit Pending requests with CreatedAt
	// strictly after createdAfter, oldest first.
	SelectPending(ctx context.Context, createdAfter int64, limit int) ([]types.ProofRequest, error)
	// SetBatch moves every id from Pending to Aggregated under batchID and
	// records the membership order. A batch id can be assigned once.
	SetBatch(ctx context.Context, proofIDs []common.Hash, batchID common.Hash) error
	SetStatus(ctx context.Context, proofIDs []common.Hash, status types.Status) error
	SetTxContext(ctx context.Context, proofIDs []common.Hash, txc types.TxContext) error
	// FinalizeBatch marks every member Verified and, when txc is non-nil,
	// writes its tx context in the same atomic step.
	FinalizeBatch(ctx context.Context, batchID common.Hash, txc *types.TxContext) error
	BatchMembers(ctx context.Context, batchID common.Hash) ([]common.Hash, error)
	WriteTree(ctx context.Context, batchID common.Hash, tree []byte) error
	GetTree(ctx context.Context, batchID common.Hash) ([]byte, error)
	Close() error
}

// Options carries the capabilities a store depends on.
type Options struct {
	IDs   common.IDSource
	Clock common.Clock
}

type Option func(*Options)

// WithIDSource sets the generator for proof ids.
func WithIDSource(ids common.IDSource) Option {
	return func(o *Options) { o.IDs = ids }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(c common.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// ApplyOptions resolves opts over the defaults: crypto/rand ids and the
// wall clock.
func ApplyOptions(opts ...Option) Options {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.IDs == nil {
		o.IDs = common.NewIDSource(nil)
	}
	return o
}

// Persisted status encoding. Only the adapters see these integers.
const (
	statusCodePending    = 0
	statusCodeAggregated = 1
	statusCodeVerified   = 2
)

// EncodeStatus maps a stored status onto its persisted integer.
func EncodeStatus(s types.Status) (uint8, bool) {
	switch s {
	case types.StatusPending:
		return statusCodePending, true
	case types.StatusAggregated:
		return statusCodeAggregated, true
	case types.StatusVerified:
		return statusCodeVerified, true
	}
	return 0, false
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(code uint8) (types.Status, bool) {
	switch code {
	case statusCodePending:
		return types.StatusPending, true
	case statusCodeAggregated:
		return types.StatusAggregated, true
	case statusCodeVerified:
		return types.StatusVerified, true
	}
	return 0, false
}

// UniqueIDs reports the first repeated id, if any.
func UniqueIDs(ids []common.Hash) (common.Hash, bool) {
	seen := make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return id, false
		}
		seen[id] = struct{}{}
	}
	return common.Hash{}, true
}

// CheckTransition validates moving one request from current to next. It
// reports false when nothing changes. Aggregated is only entered through
// SetBatch, which also assigns the batch.
func CheckTransition(id common.Hash, current, next types.Status) (bool, error) {
	if current == next {
		return false, nil
	}
	if next == types.StatusAggregated || !current.CanTransition(next) {
		return false, fmt.Errorf("%w: proof %s cannot move from %s to %s", aggerrors.ErrInvariantViolation, id, current, next)
	}
	return true, nil
}

// CheckTxContext validates attaching txc to a request. Tx context is
// write-once; rewriting identical values reports false.
func CheckTxContext(id common.Hash, hasBatch bool, existing *types.TxContext, txc types.TxContext) (bool, error) {
	if !hasBatch {
		return false, fmt.Errorf("%w: proof %s has no batch", aggerrors.ErrInvariantViolation, id)
	}
	if existing != nil {
		if *existing == txc {
			return false, nil
		}
		return false, fmt.Errorf("%w: proof %s already has tx %s", aggerrors.ErrInvariantViolation, id, existing.TxHash)
	}
	return true, nil
}
