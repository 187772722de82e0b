// Package codec decodes the opaque proof and verification-key payloads that
// producers submit and derives each request's commitment leaf from them.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ProofPayload is the decoded form of a request's proof bytes.
type ProofPayload struct {
	Proof        hexutil.Bytes `json:"proof"`
	PublicValues hexutil.Bytes `json:"public_values"`
}

// VerifyingKey is the decoded form of a request's verification-key bytes.
// VkeyHash is the 32-byte digest that identifies the verifying program.
type VerifyingKey struct {
	VkeyHash hexutil.Bytes `json:"vkey_hash"`
	Vk       hexutil.Bytes `json:"vk"`
}

// Encode serializes a payload the way producers submit it.
func Encode(obj interface{}) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding failed: %w", err)
	}
	return data, nil
}

// Decode strictly parses inp into typ. Unknown fields and trailing data are
// rejected; every failure wraps ErrMalformedPayload.
func Decode(inp []byte, typ interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(inp))
	dec.DisallowUnknownFields()
	if err := dec.Decode(typ); err != nil {
		return fmt.Errorf("%w: %v", aggerrors.ErrMalformedPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", aggerrors.ErrMalformedPayload)
	}
	return nil
}

func DecodeProof(inp []byte) (*ProofPayload, error) {
	var p ProofPayload
	if err := Decode(inp, &p); err != nil {
		return nil, fmt.Errorf("proof: %w", err)
	}
	if p.PublicValues == nil {
		return nil, fmt.Errorf("proof: %w: missing public_values", aggerrors.ErrMalformedPayload)
	}
	return &p, nil
}

func DecodeVerifyingKey(inp []byte) (*VerifyingKey, error) {
	var vk VerifyingKey
	if err := Decode(inp, &vk); err != nil {
		return nil, fmt.Errorf("verification key: %w", err)
	}
	if len(vk.VkeyHash) != common.HashLength {
		return nil, fmt.Errorf("verification key: %w: vkey_hash has %d bytes, want %d",
			aggerrors.ErrMalformedPayload, len(vk.VkeyHash), common.HashLength)
	}
	return &vk, nil
}

// NewPayloads builds the proof and verification-key bytes a producer submits.
func NewPayloads(vkeyHash common.Hash, vk, proof, publicValues []byte) (proofBytes, vkBytes []byte, err error) {
	if publicValues == nil {
		publicValues = []byte{}
	}
	proofBytes, err = Encode(&ProofPayload{Proof: proof, PublicValues: publicValues})
	if err != nil {
		return nil, nil, err
	}
	vkBytes, err = Encode(&VerifyingKey{VkeyHash: vkeyHash.Bytes(), Vk: vk})
	if err != nil {
		return nil, nil, err
	}
	return proofBytes, vkBytes, nil
}

// Leaf is SHA-256(vkeyHash || publicValues). The digest comes first; swapping
// the order changes every root.
func Leaf(vkeyHash common.Hash, publicValues []byte) common.Hash {
	return common.Sha256(vkeyHash[:], publicValues)
}

// LeafFor decodes both stored payloads and returns the request's leaf.
func LeafFor(proof, vk []byte) (common.Hash, error) {
	p, err := DecodeProof(proof)
	if err != nil {
		return common.Hash{}, err
	}
	k, err := DecodeVerifyingKey(vk)
	if err != nil {
		return common.Hash{}, err
	}
	return Leaf(common.BytesToHash(k.VkeyHash), p.PublicValues), nil
}
