package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace of the prover service methods, e.g. prover_fold.
const Namespace = "prover"

// FoldRequest is the body of prover_fold.
type FoldRequest struct {
	Proofs []hexutil.Bytes `json:"proofs"`
	Vks    []hexutil.Bytes `json:"vks"`
}

func newFoldRequest(proofs, vks [][]byte) FoldRequest {
	req := FoldRequest{
		Proofs: make([]hexutil.Bytes, len(proofs)),
		Vks:    make([]hexutil.Bytes, len(vks)),
	}
	for i := range proofs {
		req.Proofs[i] = proofs[i]
	}
	for i := range vks {
		req.Vks[i] = vks[i]
	}
	return req
}

// RemoteProver calls an external prover service over JSON-RPC. Folding a
// batch takes minutes, so Timeout is generous; zero means the caller's
// context alone bounds the call.
type RemoteProver struct {
	client  *rpc.Client
	Timeout time.Duration
}

// DialRemoteProver connects to the prover at endpoint.
func DialRemoteProver(ctx context.Context, endpoint string, timeout time.Duration) (*RemoteProver, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial prover %s: %w", endpoint, err)
	}
	return NewRemoteProver(c, timeout), nil
}

func NewRemoteProver(c *rpc.Client, timeout time.Duration) *RemoteProver {
	return &RemoteProver{client: c, Timeout: timeout}
}

func (p *RemoteProver) Close() {
	p.client.Close()
}

// Fold sends the batch to the prover. A deadline hit wraps ErrExternalTimeout
// and an error answered by the prover wraps ErrExternalRejected.
func (p *RemoteProver) Fold(ctx context.Context, proofs [][]byte, vks [][]byte) (*types.AggregateProof, error) {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	var agg types.AggregateProof
	err := p.client.CallContext(callCtx, &agg, Namespace+"_fold", newFoldRequest(proofs, vks))
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: prover did not answer within %s", aggerrors.ErrExternalTimeout, p.Timeout)
	default:
		var rerr rpc.Error
		if errors.As(err, &rerr) {
			if kerr := aggerrors.FromRPC(err); aggerrors.Kind(kerr) != nil {
				return nil, kerr
			}
			return nil, fmt.Errorf("%w: %v", aggerrors.ErrExternalRejected, err)
		}
		return nil, fmt.Errorf("prover_fold: %w", err)
	}
	if agg.Commitment == (common.Hash{}) {
		return nil, fmt.Errorf("%w: prover returned no commitment", aggerrors.ErrExternalRejected)
	}
	log.Info(log.Prover, "RemoteProver: folded", "n", len(proofs), "commitment", agg.Commitment, "elapsed", time.Since(start))
	return &agg, nil
}
