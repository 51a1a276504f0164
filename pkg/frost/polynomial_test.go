package frost_test

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
)

func scalarOf(v uint32) *secp256k1.ModNScalar {
	return new(secp256k1.ModNScalar).SetInt(v)
}

// evalPoly evaluates a0 + a1*x + a2*x^2 + ... at x.
func evalPoly(coeffs []*secp256k1.ModNScalar, x *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	result := new(secp256k1.ModNScalar)
	for i := len(coeffs) - 1; i >= 0; i-- {
		result.Mul(x).Add(coeffs[i])
	}
	return result
}

func TestLagrangeCoefficient(t *testing.T) {
	coeffs := []*secp256k1.ModNScalar{scalarOf(7), scalarOf(13), scalarOf(29)}

	cases := []struct {
		name         string
		participants []uint32
	}{
		{name: "full set", participants: []uint32{1, 2, 3}},
		{name: "shifted indices", participants: []uint32{2, 5, 9}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sum := new(secp256k1.ModNScalar)
			for _, index := range tc.participants {
				lambda, err := frost.LagrangeCoefficient(tc.participants, index)
				require.NoError(t, err)
				share := evalPoly(coeffs, scalarOf(index))
				sum.Add(share.Mul(lambda))
			}
			require.True(t, sum.Equals(coeffs[0]))
		})
	}
}

func TestLagrangeCoefficientErrors(t *testing.T) {
	_, err := frost.LagrangeCoefficient([]uint32{1, 2, 3}, 4)
	require.Error(t, err)

	_, err = frost.LagrangeCoefficient([]uint32{1, 2, 2}, 2)
	require.Error(t, err)

	_, err = frost.LagrangeCoefficient([]uint32{0, 1}, 1)
	require.Error(t, err)
}
