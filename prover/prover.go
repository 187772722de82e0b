// Package prover provides the ProofSystem implementations the worker folds
// batches with: a client for an external prover service and a deterministic
// local stand-in for development.
package prover

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/codec"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/merkle"
	"github.com/colorfulnotion/aggregator/types"
)

var devProofDomain = []byte("aggregator/dev-fold/v1")

// DevProver folds without any cryptography. It decodes every payload,
// commits to the Merkle root over their leaves exactly as a real aggregation
// program would, and returns a digest in place of a proof. Never use it
// against a production verifier.
type DevProver struct{}

func NewDevProver() *DevProver {
	return &DevProver{}
}

func (p *DevProver) Fold(ctx context.Context, proofs [][]byte, vks [][]byte) (*types.AggregateProof, error) {
	if len(proofs) != len(vks) {
		return nil, fmt.Errorf("%w: %d proofs but %d verification keys", aggerrors.ErrInvariantViolation, len(proofs), len(vks))
	}
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: nothing to fold", aggerrors.ErrExternalRejected)
	}
	leaves := make([]common.Hash, len(proofs))
	inner := make([][]byte, 0, len(proofs)+2)
	for i := range proofs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := codec.DecodeProof(proofs[i])
		if err != nil {
			return nil, fmt.Errorf("proof %d: %w", i, err)
		}
		k, err := codec.DecodeVerifyingKey(vks[i])
		if err != nil {
			return nil, fmt.Errorf("proof %d: %w", i, err)
		}
		leaves[i] = codec.Leaf(common.BytesToHash(k.VkeyHash), p.PublicValues)
		inner = append(inner, p.Proof)
	}
	root := merkle.Build(leaves).Root
	inner = append([][]byte{devProofDomain, root.Bytes()}, inner...)
	proof := common.Keccak256(inner...)

	log.Debug(log.Prover, "DevProver: folded", "n", len(proofs), "root", root)
	return &types.AggregateProof{
		Proof:        proof.Bytes(),
		PublicValues: root.Bytes(),
		Commitment:   root,
	}, nil
}
