package prover

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Folder is what a prover service folds with.
type Folder interface {
	Fold(ctx context.Context, proofs [][]byte, vks [][]byte) (*types.AggregateProof, error)
}

// API exposes a Folder as prover_fold.
type API struct {
	folder Folder
}

func (api *API) Fold(ctx context.Context, req FoldRequest) (*types.AggregateProof, error) {
	if len(req.Proofs) != len(req.Vks) {
		return nil, aggerrors.ToRPC(fmt.Errorf("%w: %d proofs but %d verification keys",
			aggerrors.ErrInvariantViolation, len(req.Proofs), len(req.Vks)))
	}
	proofs := make([][]byte, len(req.Proofs))
	vks := make([][]byte, len(req.Vks))
	for i := range req.Proofs {
		proofs[i] = req.Proofs[i]
		vks[i] = req.Vks[i]
	}
	agg, err := api.folder.Fold(ctx, proofs, vks)
	return agg, aggerrors.ToRPC(err)
}

// NewServer returns an rpc server answering prover_fold with f.
func NewServer(f Folder) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, &API{folder: f}); err != nil {
		return nil, err
	}
	return srv, nil
}
