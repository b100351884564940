// Package poseidon adapts github.com/iden3/go-iden3-crypto/poseidon's
// variable-arity hash to the two-input binary form H(a, b) -> F the Merkle
// accumulator needs, operating on field.F values directly.
package poseidon

import (
	"fmt"
	"math/big"

	iden3poseidon "github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/tornadogo/mixer-indexer/internal/field"
)

// H computes the two-input Poseidon hash over the BN254 scalar field.
func H(a, b field.F) (field.F, error) {
	out, err := iden3poseidon.HashFixed([]*big.Int{a.BigInt(), b.BigInt()})
	if err != nil {
		var zero field.F
		return zero, fmt.Errorf("poseidon: hash failed: %w", err)
	}
	f, ok := field.FromBigInt(out)
	if !ok {
		var zero field.F
		return zero, fmt.Errorf("poseidon: result out of field range")
	}
	return f, nil
}
