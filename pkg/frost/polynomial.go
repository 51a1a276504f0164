package frost

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// scalarPolynomial holds scalar coefficients in ascending degree order. The
// constant term is the sharing secret.
type scalarPolynomial struct {
	coeffs []*secp256k1.ModNScalar
}

// newRandomPolynomial samples a polynomial of the given degree with a random
// constant term.
func newRandomPolynomial(degree int) (*scalarPolynomial, error) {
	coeffs := make([]*secp256k1.ModNScalar, degree+1)
	for i := range coeffs {
		coeff, err := randomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = coeff
	}
	return &scalarPolynomial{coeffs: coeffs}, nil
}

// eval evaluates the polynomial at x using Horner's method.
func (p *scalarPolynomial) eval(x *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	result := new(secp256k1.ModNScalar)
	if len(p.coeffs) == 0 {
		return result
	}

	result.Set(p.coeffs[len(p.coeffs)-1])
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		result.Mul(x)
		result.Add(p.coeffs[i])
	}
	return result
}

func (p *scalarPolynomial) evalAt(index uint32) *secp256k1.ModNScalar {
	return p.eval(scalarFromIndex(index))
}

func (p *scalarPolynomial) constantTerm() *secp256k1.ModNScalar {
	return p.coeffs[0]
}

// commit returns the point polynomial C_j = a_j*G for every coefficient.
func (p *scalarPolynomial) commit() []*secp256k1.JacobianPoint {
	points := make([]*secp256k1.JacobianPoint, len(p.coeffs))
	for i, coeff := range p.coeffs {
		points[i] = new(secp256k1.JacobianPoint)
		secp256k1.ScalarBaseMultNonConst(coeff, points[i])
	}
	return points
}

// evalPointPolynomial evaluates a committed polynomial at x, yielding the
// public image of the corresponding scalar evaluation.
func evalPointPolynomial(coeffs []*secp256k1.JacobianPoint, x *secp256k1.ModNScalar) *secp256k1.JacobianPoint {
	result := new(secp256k1.JacobianPoint)
	if len(coeffs) == 0 {
		return result
	}

	*result = *coeffs[len(coeffs)-1]
	for i := len(coeffs) - 2; i >= 0; i-- {
		secp256k1.ScalarMultNonConst(x, result, result)
		secp256k1.AddNonConst(result, coeffs[i], result)
	}
	return result
}

func scalarFromIndex(index uint32) *secp256k1.ModNScalar {
	s := new(secp256k1.ModNScalar)
	s.SetInt(index)
	return s
}

// LagrangeCoefficient computes the Lagrange basis polynomial for the given
// participant evaluated at zero over the participant set:
// L_i(0) = prod_{j≠i} x_j / (x_j - x_i).
//
// The participant set must contain index and must not contain duplicates or
// zeroes.
func LagrangeCoefficient(participants []uint32, index uint32) (*secp256k1.ModNScalar, error) {
	found := false
	seen := make(map[uint32]struct{}, len(participants))
	for _, p := range participants {
		if p == 0 {
			return nil, errors.New("participant index zero is not allowed")
		}
		if _, ok := seen[p]; ok {
			return nil, fmt.Errorf("duplicate participant index %d", p)
		}
		seen[p] = struct{}{}
		if p == index {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("index %d is not part of the participant set", index)
	}

	xi := scalarFromIndex(index)

	result := new(secp256k1.ModNScalar)
	result.SetInt(1)
	for _, p := range participants {
		if p == index {
			continue
		}
		xj := scalarFromIndex(p)

		// numerator = x_j, denominator = x_j - x_i
		var denominator, ratio secp256k1.ModNScalar
		denominator.NegateVal(xi).Add(xj)
		if denominator.IsZero() {
			return nil, fmt.Errorf("degenerate participant set around index %d", p)
		}

		ratio.InverseValNonConst(&denominator)
		ratio.Mul(xj)
		result.Mul(&ratio)
	}
	return result, nil
}
