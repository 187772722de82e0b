package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/codec"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/merkle"
	"github.com/colorfulnotion/aggregator/telemetry"
	"github.com/colorfulnotion/aggregator/types"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds configuration for the runner
type Config struct {
	Interval     time.Duration
	BatchSize    int
	CreatedAfter int64
	RelayTimeout time.Duration
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Minute,
		BatchSize:    32,
		RelayTimeout: 120 * time.Second,
	}
}

// TickResult describes one batch carried to verification.
type TickResult struct {
	BatchID common.Hash
	Size    int
	Root    common.Hash
	Receipt *types.TxReceipt
}

// FailedBatch is a batch left Aggregated by a failed tick, awaiting an
// operator retry.
type FailedBatch struct {
	BatchID common.Hash
	Err     error
	At      time.Time
}

// Runner manages the aggregation loop
type Runner struct {
	mu sync.RWMutex

	client  AggregationClient
	prover  ProofSystem
	relayer ChainRelayer
	cfg     Config

	// Control
	stopCh  chan struct{}
	done    chan struct{}
	running bool

	// One batch pipeline at a time, whether from the loop or a retry.
	tickMu sync.Mutex

	failed map[common.Hash]FailedBatch
}

// NewRunner creates a new aggregation runner. Zero config fields take
// their DefaultConfig values.
func NewRunner(client AggregationClient, prover ProofSystem, relayer ChainRelayer, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = def.RelayTimeout
	}
	return &Runner{
		client:  client,
		prover:  prover,
		relayer: relayer,
		cfg:     cfg,
		failed:  make(map[common.Hash]FailedBatch),
	}
}

// Start begins the processing loop. The first tick runs immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	stopCh, done := r.stopCh, r.done
	r.mu.Unlock()

	log.Info(log.Worker, "Aggregation Runner: Starting",
		"interval", r.cfg.Interval,
		"batchSize", r.cfg.BatchSize,
		"relayTimeout", r.cfg.RelayTimeout)

	go r.runLoop(ctx, stopCh, done)
}

// Stop stops the loop and waits for an in-flight tick to return. A tick that
// has already sent its transaction finishes relaying first.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done
	log.Info(log.Worker, "Aggregation Runner: Stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) markStopped(stopCh chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.stopCh == stopCh {
		close(r.stopCh)
		r.running = false
	}
}

// runLoop is the main processing loop
func (r *Runner) runLoop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.markStopped(stopCh)
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

func (r *Runner) runTick(ctx context.Context) {
	res, err := r.Tick(ctx)
	switch {
	case err != nil:
		log.Error(log.Worker, "Aggregation Runner: Tick failed", "err", err)
	case res == nil:
		log.Debug(log.Worker, "Aggregation Runner: No pending proofs")
	}
}

// Tick runs one aggregation round: select, process, commit, fold, relay and
// finalize. With nothing pending it returns (nil, nil). A failure after the
// batch was processed leaves it Aggregated and records it in FailedBatches;
// it is never re-selected, only retried through RetryBatch.
func (r *Runner) Tick(ctx context.Context) (res *TickResult, err error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "worker.tick")
	defer func() {
		telemetry.ObserveTick(time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := r.client.GetBatch(ctx, r.cfg.CreatedAfter, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if len(batch.Requests) == 0 {
		telemetry.ObserveBatch("empty")
		return nil, nil
	}
	span.SetAttributes(attribute.String("batch_id", batch.BatchID.Hex()), attribute.Int("size", len(batch.Requests)))

	leaves, err := r.client.ProcessBatch(ctx, batch.BatchID, batch.Requests)
	if err != nil {
		err = fmt.Errorf("process batch %s: %w", batch.BatchID, err)
		if r.batchAssigned(ctx, batch.BatchID) {
			// The assignment committed even though the call failed.
			r.record(batch.BatchID, err)
		} else {
			telemetry.ObserveBatch("failed")
		}
		return nil, err
	}
	log.Info(log.Worker, "Aggregation Runner: Batch processed", "batchID", batch.BatchID, "size", len(leaves))

	res, err = r.finish(ctx, batch.BatchID, batch.Requests, leaves, nil)
	r.record(batch.BatchID, err)
	return res, err
}

// batchAssigned reports whether batchID exists on the service. A lookup
// failure is treated as not assigned.
func (r *Runner) batchAssigned(ctx context.Context, batchID common.Hash) bool {
	_, err := r.client.GetBatchInfo(context.WithoutCancel(ctx), batchID)
	if err != nil && !aggerrors.IsNotFound(err) {
		log.Warn(log.Worker, "Aggregation Runner: Batch lookup after failed process", "batchID", batchID, "err", err)
	}
	return err == nil
}

// RetryBatch drives an already processed batch to verification, reusing its
// stored tree when one was written. A Verified batch is left untouched.
func (r *Runner) RetryBatch(ctx context.Context, batchID common.Hash) (res *TickResult, err error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "worker.retry", attribute.String("batch_id", batchID.Hex()))
	defer func() { telemetry.EndSpan(span, err) }()

	info, err := r.client.GetBatchInfo(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("get batch info %s: %w", batchID, err)
	}
	if info.Status == types.StatusVerified {
		r.record(batchID, nil)
		log.Info(log.Worker, "Aggregation Runner: Batch already verified", "batchID", batchID)
		return nil, nil
	}
	leaves := make([]common.Hash, len(info.Members))
	for i := range info.Members {
		m := &info.Members[i]
		leaf, err := codec.LeafFor(m.Proof, m.VerificationKey)
		if err != nil {
			return nil, fmt.Errorf("proof %s: %w", m.ProofID, err)
		}
		leaves[i] = leaf
	}
	res, err = r.finish(ctx, batchID, info.Members, leaves, info.Tree)
	r.record(batchID, err)
	return res, err
}

func (r *Runner) finish(ctx context.Context, batchID common.Hash, members []types.ProofRequest, leaves []common.Hash, storedTree []byte) (*TickResult, error) {
	tree := merkle.Build(leaves)
	if len(storedTree) == 0 {
		if err := r.client.WriteTree(ctx, batchID, tree.Serialize()); err != nil {
			return nil, fmt.Errorf("write tree %s: %w", batchID, err)
		}
	} else {
		stored, err := merkle.Deserialize(storedTree)
		if err != nil {
			return nil, fmt.Errorf("%w: stored tree for %s: %v", aggerrors.ErrMalformedPayload, batchID, err)
		}
		if stored.Root != tree.Root {
			return nil, fmt.Errorf("%w: stored root %s differs from recomputed %s", aggerrors.ErrInvariantViolation, stored.Root, tree.Root)
		}
	}

	proofs := make([][]byte, len(members))
	vks := make([][]byte, len(members))
	for i := range members {
		proofs[i] = members[i].Proof
		vks[i] = members[i].VerificationKey
	}
	agg, err := r.prover.Fold(ctx, proofs, vks)
	if err != nil {
		return nil, fmt.Errorf("fold batch %s: %w", batchID, err)
	}
	if agg.Commitment != tree.Root {
		return nil, fmt.Errorf("%w: aggregate commits to %s, batch root is %s", aggerrors.ErrInvariantViolation, agg.Commitment, tree.Root)
	}
	log.Info(log.Worker, "Aggregation Runner: Proof folded", "batchID", batchID, "root", tree.Root)

	receipt, err := r.relay(ctx, tree.Root, agg)
	if err != nil {
		return nil, fmt.Errorf("relay batch %s: %w", batchID, err)
	}

	// The transaction is confirmed; shutdown must not prevent recording it.
	if err := r.client.UpdateBatchStatus(context.WithoutCancel(ctx), batchID, types.StatusVerified, &receipt.TxContext); err != nil {
		return nil, fmt.Errorf("finalize batch %s: %w", batchID, err)
	}
	telemetry.ObserveBatch("verified")
	log.Info(log.Worker, "Aggregation Runner: Batch verified",
		"batchID", batchID,
		"tx", receipt.TxHash,
		"block", receipt.BlockNumber)
	return &TickResult{BatchID: batchID, Size: len(members), Root: tree.Root, Receipt: receipt}, nil
}

// relay submits on a context detached from ctx's cancellation and bounded
// by the relay timeout.
func (r *Runner) relay(ctx context.Context, root common.Hash, agg *types.AggregateProof) (*types.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RelayTimeout)
	defer cancel()

	receipt, err := r.relayer.Submit(relayCtx, root, agg)
	if err != nil && aggerrors.Kind(err) == nil && errors.Is(relayCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: no confirmation within %s: %v", aggerrors.ErrExternalTimeout, r.cfg.RelayTimeout, err)
	}
	telemetry.ObserveRelay(err)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: relayer returned no receipt", aggerrors.ErrExternalRejected)
	}
	return receipt, nil
}

func (r *Runner) record(batchID common.Hash, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failed, batchID)
		return
	}
	r.failed[batchID] = FailedBatch{BatchID: batchID, Err: err, At: time.Now()}
	telemetry.ObserveBatch("failed")
	log.Error(log.Worker, "Aggregation Runner: Batch left Aggregated, retry required",
		"batchID", batchID,
		"err", err)
}

// FailedBatches lists batches awaiting retry, oldest failure first.
func (r *Runner) FailedBatches() []FailedBatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FailedBatch, 0, len(r.failed))
	for _, f := range r.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
