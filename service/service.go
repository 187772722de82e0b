// Package service is the aggregation request/response contract exposed to
// proof producers and the aggregation worker.
package service

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/coordinator"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/storage"
	"github.com/colorfulnotion/aggregator/telemetry"
	"github.com/colorfulnotion/aggregator/types"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBatchSize    = 32
	DefaultMaxBatchSize = 1024
)

// Service is a thin orchestration layer over the coordinator and the store.
// Errors returned here carry aggerrors kinds; API maps them onto the wire.
type Service struct {
	store        storage.RequestStore
	coord        *coordinator.Coordinator
	maxBatchSize int
}

// New returns a Service. maxBatchSize <= 0 selects DefaultMaxBatchSize.
func New(store storage.RequestStore, coord *coordinator.Coordinator, maxBatchSize int) *Service {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Service{store: store, coord: coord, maxBatchSize: maxBatchSize}
}

func traced(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "service."+op, attrs...)
	return ctx, func(err error) {
		telemetry.ObserveRPC(op, err)
		telemetry.EndSpan(span, err)
	}
}

// Submit stores a new Pending request. The payloads are kept opaque here and
// decoded only when the request is batched.
func (s *Service) Submit(ctx context.Context, proof, vk []byte) (id common.Hash, err error) {
	ctx, done := traced(ctx, "submit")
	defer func() { done(err) }()

	if len(proof) == 0 || len(vk) == 0 {
		return common.Hash{}, fmt.Errorf("%w: proof and verification key must be non-empty", aggerrors.ErrMalformedPayload)
	}
	req, err := s.store.CreateRequest(ctx, proof, vk)
	if err != nil {
		return common.Hash{}, err
	}
	telemetry.ObserveSubmit()
	log.Debug(log.Service, "Submit", "proofID", req.ProofID, "proofLen", len(proof), "vkLen", len(vk))
	return req.ProofID, nil
}

// GetStatus returns the stored status, or StatusNotFound for an unknown id.
func (s *Service) GetStatus(ctx context.Context, proofID common.Hash) (status types.Status, err error) {
	ctx, done := traced(ctx, "getStatus")
	defer func() { done(err) }()

	req, err := s.store.GetRequest(ctx, proofID)
	if aggerrors.IsNotFound(err) {
		return types.StatusNotFound, nil
	}
	if err != nil {
		return 0, err
	}
	return req.Status, nil
}

// GetBatch selects a candidate batch without modifying anything. A size of
// zero or less means DefaultBatchSize; sizes above the configured maximum
// are clamped.
func (s *Service) GetBatch(ctx context.Context, createdAfter int64, batchSize int) (batch *types.Batch, err error) {
	ctx, done := traced(ctx, "getBatch", attribute.Int64("created_after", createdAfter), attribute.Int("batch_size", batchSize))
	defer func() { done(err) }()

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > s.maxBatchSize {
		batchSize = s.maxBatchSize
	}
	return s.coord.SelectBatch(ctx, createdAfter, batchSize)
}

func (s *Service) ProcessBatch(ctx context.Context, batchID common.Hash, requests []types.ProofRequest) (leaves []common.Hash, err error) {
	ctx, done := traced(ctx, "processBatch", attribute.String("batch_id", batchID.Hex()), attribute.Int("size", len(requests)))
	defer func() { done(err) }()
	return s.coord.ProcessBatch(ctx, batchID, requests)
}

func (s *Service) WriteTree(ctx context.Context, batchID common.Hash, tree []byte) (err error) {
	ctx, done := traced(ctx, "writeTree", attribute.String("batch_id", batchID.Hex()))
	defer func() { done(err) }()
	return s.coord.WriteTree(ctx, batchID, tree)
}

func (s *Service) UpdateBatchStatus(ctx context.Context, batchID common.Hash, status types.Status, txc *types.TxContext) (err error) {
	ctx, done := traced(ctx, "updateBatchStatus", attribute.String("batch_id", batchID.Hex()), attribute.String("status", status.String()))
	defer func() { done(err) }()
	return s.coord.UpdateBatchStatus(ctx, batchID, status, txc)
}

func (s *Service) GetAggregatedData(ctx context.Context, proofID common.Hash) (data *types.AggregatedData, err error) {
	ctx, done := traced(ctx, "getAggregatedData")
	defer func() { done(err) }()
	return s.coord.AggregatedData(ctx, proofID)
}

func (s *Service) GetBatchInfo(ctx context.Context, batchID common.Hash) (info *types.BatchInfo, err error) {
	ctx, done := traced(ctx, "getBatchInfo", attribute.String("batch_id", batchID.Hex()))
	defer func() { done(err) }()
	return s.coord.BatchInfo(ctx, batchID)
}
