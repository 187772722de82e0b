package common

import (
	"fmt"

	ethereumCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HashLength is the size of every identifier, leaf and tree node.
const HashLength = ethereumCommon.HashLength

// Hash is a custom type based on Ethereum's common.Hash
type Hash ethereumCommon.Hash

// Address is a custom type based on Ethereum's common.Address
type Address ethereumCommon.Address

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte {
	return ethereumCommon.Hash(h).Bytes()
}

// String returns the string representation of the hash.
func (h Hash) String() string {
	return ethereumCommon.Hash(h).String()
}

func (h Hash) String_short() string {
	return fmt.Sprintf("%s..%s", h.Hex()[2:6], h.Hex()[62:66])
}

// Hex returns the hexadecimal string representation of the hash.
func (h Hash) Hex() string {
	return ethereumCommon.Hash(h).Hex()
}

func (h Hash) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

func (h *Hash) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Hash", input, h[:])
}

// BytesToHash converts a byte slice to a Hash.
func BytesToHash(b []byte) Hash {
	return Hash(ethereumCommon.BytesToHash(b))
}

// HashFromBytes is the strict variant of BytesToHash: b must be exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashLength {
		return Hash{}, fmt.Errorf("invalid hash length %d, want %d", len(b), HashLength)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func HexToHash(s string) Hash {
	return Hash(ethereumCommon.HexToHash(s))
}

// ParseHash parses a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(b)
}

func Bytes2Hex(d []byte) string {
	return "0x" + ethereumCommon.Bytes2Hex(d)
}

func Hex2Bytes(b string) []byte {
	return ethereumCommon.FromHex(b)
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}

func (a Address) Bytes() []byte {
	return ethereumCommon.Address(a).Bytes()
}

func (a Address) Hex() string {
	return ethereumCommon.Address(a).Hex()
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) MarshalText() ([]byte, error) {
	return hexutil.Bytes(a[:]).MarshalText()
}

func (a *Address) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Address", input, a[:])
}

func HexToAddress(s string) Address {
	return Address(ethereumCommon.HexToAddress(s))
}

func BytesToAddress(b []byte) Address {
	return Address(ethereumCommon.BytesToAddress(b))
}

// IsHexAddress verifies whether a string can represent a valid hex-encoded address.
func IsHexAddress(s string) bool {
	return ethereumCommon.IsHexAddress(s)
}
