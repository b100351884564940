// Package field implements the BN254 scalar field element used as the
// Merkle accumulator's leaf/node type: a non-negative integer in [0, p),
// encoded as 32 bytes big-endian.
package field

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// F is a BN254 scalar field element, 32 bytes big-endian.
type F [32]byte

// prime is a package-level initializer (not set in init) so that it is
// ready before Zero below, whose initializer range-checks against it.
var prime = mustParsePrime()

func mustParsePrime() *big.Int {
	p, ok := new(big.Int).SetString(
		"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)
	if !ok {
		panic("field: could not parse BN254 scalar field prime")
	}
	return p
}

// Prime returns the BN254 scalar field modulus p.
func Prime() *big.Int {
	return new(big.Int).Set(prime)
}

// Zero is the canonical zero leaf, ZERO_VALUE = keccak256("tornado") mod p.
var Zero = mustFromHex("0x2fe54c60d3acabf3343a35b6eba15db4821b340f76e741e2249685ed4899af6c")

// FromBigInt encodes i as an F, failing if i is negative or >= p.
func FromBigInt(i *big.Int) (F, bool) {
	var f F
	if i.Sign() < 0 || i.Cmp(prime) >= 0 {
		return f, false
	}
	b := i.Bytes()
	if len(b) > 32 {
		return f, false
	}
	copy(f[32-len(b):], b)
	return f, true
}

// FromBytes interprets 32 big-endian bytes as an F, failing if the value is
// out of range (>= p).
func FromBytes(b []byte) (F, bool) {
	var f F
	if len(b) != 32 {
		return f, false
	}
	copy(f[:], b)
	return f, InRange(f)
}

// FromHex parses a 0x-prefixed big-endian hex string into an F.
func FromHex(s string) (F, bool) {
	var f F
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) > 32 {
		return f, false
	}
	copy(f[32-len(b):], b)
	return f, InRange(f)
}

func mustFromHex(s string) F {
	f, ok := FromHex(s)
	if !ok {
		panic(fmt.Sprintf("field: invalid constant %s", s))
	}
	return f
}

// InRange reports whether f encodes a value strictly less than p.
func InRange(f F) bool {
	return f.BigInt().Cmp(prime) < 0
}

// BigInt returns f as a big.Int.
func (f F) BigInt() *big.Int {
	return new(big.Int).SetBytes(f[:])
}

// Hex returns the canonical 0x-prefixed, lower-case, 32-byte hex encoding.
func (f F) Hex() string {
	return "0x" + hex.EncodeToString(f[:])
}

// Bytes returns the 32 big-endian bytes of f.
func (f F) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, f[:])
	return b
}

func (f F) String() string {
	return f.Hex()
}
