package common

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data with legacy Keccak-256, the
// function the on-chain verifier recomputes.
func Keccak256(data ...[]byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hash.Write(d)
	}
	var h Hash
	hash.Sum(h[:0])
	return h
}

// Sha256 hashes the concatenation of data with SHA-256.
func Sha256(data ...[]byte) Hash {
	hash := sha256.New()
	for _, d := range data {
		hash.Write(d)
	}
	var h Hash
	hash.Sum(h[:0])
	return h
}

func Uint64ToBytesBE(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, val)
	return bytes
}

func BytesToUint64BE(data []byte) uint64 {
	if len(data) < 8 {
		panic("BytesToUint64BE: byte slice too short")
	}
	return binary.BigEndian.Uint64(data)
}
