package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/aggregator/codec"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/stretchr/testify/require"
)

func TestSubmitPayloadsFromParts(t *testing.T) {
	digest := common.Keccak256([]byte("program"))
	proof, vk, err := submitPayloads("", "", digest.Hex(), "0x01", "0xabcd", "0x0102")
	require.NoError(t, err)

	leaf, err := codec.LeafFor(proof, vk)
	require.NoError(t, err)
	require.Equal(t, codec.Leaf(digest, []byte{0x01, 0x02}), leaf)
}

func TestSubmitPayloadsFromFiles(t *testing.T) {
	dir := t.TempDir()
	proofPath := filepath.Join(dir, "proof.json")
	vkPath := filepath.Join(dir, "vk.json")
	require.NoError(t, os.WriteFile(proofPath, []byte("proof-bytes"), 0600))
	require.NoError(t, os.WriteFile(vkPath, []byte("vk-bytes"), 0600))

	proof, vk, err := submitPayloads(proofPath, vkPath, "", "", "", "")
	require.NoError(t, err)
	require.Equal(t, []byte("proof-bytes"), proof)
	require.Equal(t, []byte("vk-bytes"), vk)

	_, _, err = submitPayloads(proofPath, "", "", "", "", "")
	require.Error(t, err)
	_, _, err = submitPayloads("", "", "", "0x", "0x", "0x")
	require.Error(t, err)
	_, _, err = submitPayloads("", "", "0x1234", "0x", "0x", "0x")
	require.Error(t, err)
}
