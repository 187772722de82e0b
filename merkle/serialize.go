package merkle

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/aggregator/common"
)

var ErrMalformedTree = errors.New("malformed tree encoding")

// Serialize returns the flat concatenation of all nodes in level order.
func (t *Tree) Serialize() []byte {
	out := make([]byte, 0, len(t.Nodes)*common.HashLength)
	for _, n := range t.Nodes {
		out = append(out, n[:]...)
	}
	return out
}

// Deserialize parses the output of Serialize. The leaf count is recovered from
// the node count (the mapping is strictly increasing) and every internal node
// is recomputed, so a blob that does not match Build over its own leaves is
// rejected.
func Deserialize(data []byte) (*Tree, error) {
	if len(data)%common.HashLength != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedTree, len(data), common.HashLength)
	}
	n := len(data) / common.HashLength
	if n == 0 {
		return &Tree{}, nil
	}
	leafCount := -1
	for l := 1; l <= n; l++ {
		c := nodeCount(l)
		if c == n {
			leafCount = l
			break
		}
		if c > n {
			break
		}
	}
	if leafCount < 0 {
		return nil, fmt.Errorf("%w: %d nodes match no leaf count", ErrMalformedTree, n)
	}
	leaves := make([]common.Hash, leafCount)
	for i := range leaves {
		copy(leaves[i][:], data[i*common.HashLength:])
	}
	t := Build(leaves)
	for i, node := range t.Nodes {
		if string(node[:]) != string(data[i*common.HashLength:(i+1)*common.HashLength]) {
			return nil, fmt.Errorf("%w: node %d does not match recomputed value", ErrMalformedTree, i)
		}
	}
	return t, nil
}

// LeavesFromBytes splits a flat leaf concatenation into hashes.
func LeavesFromBytes(data []byte) ([]common.Hash, error) {
	if len(data)%common.HashLength != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedTree, len(data), common.HashLength)
	}
	out := make([]common.Hash, len(data)/common.HashLength)
	for i := range out {
		copy(out[i][:], data[i*common.HashLength:])
	}
	return out, nil
}
