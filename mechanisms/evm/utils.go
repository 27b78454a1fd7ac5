package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// IsValidAddress reports whether s is a 20-byte hex address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the checksummed form of an address.
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(NormalizeAddress(a), NormalizeAddress(b))
}

// ParseUint256 parses a non-negative decimal string that fits in 256 bits.
func ParseUint256(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative integer: %s", s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("integer overflows uint256: %s", s)
	}
	return v, nil
}

// ToUint256 converts a big.Int that is known to fit into a uint256.
func ToUint256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	u, _ := uint256.FromBig(v)
	return u
}

// SplitSignature returns r, s and a normalized recovery id (0 or 1).
func SplitSignature(sig []byte) (r, s [32]byte, v uint8, err error) {
	if len(sig) != 65 {
		return r, s, 0, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return r, s, 0, fmt.Errorf("invalid signature recovery id: %d", sig[64])
	}
	return r, s, v, nil
}
