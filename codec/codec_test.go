package codec

import (
	"crypto/sha256"
	"testing"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafForRoundTrip(t *testing.T) {
	vkHash := common.Keccak256([]byte("program"))
	proof, err := Encode(&ProofPayload{Proof: []byte{0xde, 0xad}, PublicValues: []byte("outputs")})
	require.NoError(t, err)
	vk, err := Encode(&VerifyingKey{VkeyHash: vkHash[:], Vk: []byte{1, 2, 3}})
	require.NoError(t, err)

	leaf, err := LeafFor(proof, vk)
	require.NoError(t, err)

	want := sha256.Sum256(append(vkHash.Bytes(), []byte("outputs")...))
	assert.Equal(t, common.Hash(want), leaf)
	assert.Equal(t, Leaf(vkHash, []byte("outputs")), leaf)
}

func TestLeafOrderMatters(t *testing.T) {
	vkHash := common.Keccak256([]byte("program"))
	pv := []byte("public values")
	swapped := common.Sha256(pv, vkHash[:])
	assert.NotEqual(t, swapped, Leaf(vkHash, pv))
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]struct {
		proof []byte
		vk    []byte
	}{
		"not json":        {[]byte("garbage"), []byte(`{"vkey_hash":"0x00","vk":"0x"}`)},
		"bad hex":         {[]byte(`{"proof":"0xzz","public_values":"0x"}`), nil},
		"unknown field":   {[]byte(`{"proof":"0x","public_values":"0x","extra":1}`), nil},
		"no public value": {[]byte(`{"proof":"0x01"}`), nil},
		"short vkey hash": {[]byte(`{"proof":"0x01","public_values":"0x02"}`), []byte(`{"vkey_hash":"0x0102","vk":"0x"}`)},
		"trailing data":   {[]byte(`{"proof":"0x01","public_values":"0x02"} {}`), nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LeafFor(tc.proof, tc.vk)
			require.ErrorIs(t, err, aggerrors.ErrMalformedPayload)
		})
	}
}
