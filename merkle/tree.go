// Package merkle builds the batch commitment tree.
//
// The tree is binary and built bottom-up, pairing adjacent nodes left to
// right. When a level has an odd number of nodes the last one is carried
// forward to the next level unchanged; it is never hashed with itself. Sibling
// pairs are hashed as Keccak256(min(a,b) || max(a,b)) with the minimum taken
// by raw byte order, so inclusion proofs need no direction bits. Both rules
// are fixed: the on-chain verifier recomputes roots with exactly this scheme.
package merkle

import (
	"bytes"
	"errors"

	"github.com/colorfulnotion/aggregator/common"
)

var ErrLeafNotFound = errors.New("leaf not in tree")

// Tree is the commitment over an ordered leaf sequence. Nodes holds every
// level in order, leaves first and root last.
type Tree struct {
	Leaves []common.Hash
	Nodes  []common.Hash
	Root   common.Hash
}

// HashPair hashes two siblings after sorting them by byte value.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.Keccak256(a[:], b[:])
}

// Build computes the tree over leaves. The input slice is copied, so callers
// may reuse it. An empty input yields an empty tree with a zero root.
func Build(leaves []common.Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}
	t := &Tree{
		Leaves: append([]common.Hash(nil), leaves...),
		Nodes:  make([]common.Hash, 0, nodeCount(len(leaves))),
	}
	level := t.Leaves
	for len(level) > 1 {
		t.Nodes = append(t.Nodes, level...)
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		level = next
	}
	t.Nodes = append(t.Nodes, level[0])
	t.Root = level[0]
	return t
}

// nodeCount is the size of Nodes for a tree with n leaves.
func nodeCount(n int) int {
	if n == 0 {
		return 0
	}
	total := 0
	for size := n; ; size = (size + 1) / 2 {
		total += size
		if size == 1 {
			return total
		}
	}
}

// LeafIndex returns the position of the first leaf equal to leaf, or -1.
func (t *Tree) LeafIndex(leaf common.Hash) int {
	for i, l := range t.Leaves {
		if l == leaf {
			return i
		}
	}
	return -1
}

// GenerateProof returns the sibling path from leaf to the root. A carried
// forward node has no sibling at that level and contributes nothing, so the
// path may be shorter than ceil(log2(n)).
func (t *Tree) GenerateProof(leaf common.Hash) ([]common.Hash, error) {
	index := t.LeafIndex(leaf)
	if index < 0 {
		return nil, ErrLeafNotFound
	}
	proof := make([]common.Hash, 0)
	levelStart := 0
	levelSize := len(t.Leaves)
	for levelSize > 1 {
		sibling := index ^ 1
		if sibling < levelSize {
			proof = append(proof, t.Nodes[levelStart+sibling])
		}
		index /= 2
		levelStart += levelSize
		levelSize = (levelSize + 1) / 2
	}
	return proof, nil
}

// VerifyProof folds leaf through proof and compares the result with root. It
// depends on nothing but its arguments.
func VerifyProof(root common.Hash, leaf common.Hash, proof []common.Hash) bool {
	current := leaf
	for _, sibling := range proof {
		current = HashPair(current, sibling)
	}
	return current == root
}
