package ecdsa

import (
	"crypto/rand"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// polynomial is a degree-(len(coeffs)-1) polynomial over the secp256k1
// scalar field, coeffs[0] being the constant term (the dealt secret).
type polynomial struct {
	coeffs []secp256k1.ModNScalar
}

func newRandomPolynomial(secret secp256k1.ModNScalar, degree int) (polynomial, error) {
	coeffs := make([]secp256k1.ModNScalar, degree+1)
	coeffs[0] = secret
	for i := 1; i <= degree; i++ {
		s, err := randScalar()
		if err != nil {
			return polynomial{}, err
		}
		coeffs[i] = s
	}
	return polynomial{coeffs: coeffs}, nil
}

func randScalar() (secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return secp256k1.ModNScalar{}, err
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes(&buf)
		if overflow == 0 && !s.IsZero() {
			return s, nil
		}
	}
}

// evalAt evaluates the polynomial at the given party index (x = index, a
// small positive integer) via Horner's method.
func (p polynomial) evalAt(index int) secp256k1.ModNScalar {
	x := scalarFromInt(index)
	var acc secp256k1.ModNScalar
	acc.Set(&p.coeffs[len(p.coeffs)-1])
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		acc.Mul(&x)
		acc.Add(&p.coeffs[i])
	}
	return acc
}

// commitments returns the Feldman commitment to each coefficient, C_i =
// coeffs[i]*G, serialized in compressed form.
func (p polynomial) commitments() [][]byte {
	out := make([][]byte, len(p.coeffs))
	for i, c := range p.coeffs {
		c := c
		var pt secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&c, &pt)
		pt.ToAffine()
		pub := secp256k1.NewPublicKey(&pt.X, &pt.Y)
		out[i] = pub.SerializeCompressed()
	}
	return out
}

func scalarFromInt(n int) secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(uint32(n))
	return s
}

// verifyShare checks that share is the commitments' polynomial
// evaluated at recipientIndex: share*G == sum_i commitments[i] *
// recipientIndex^i.
func verifyShare(commitments [][]byte, recipientIndex int, share secp256k1.ModNScalar) (bool, error) {
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&share, &lhs)
	lhs.ToAffine()

	rhs, err := evalCommitments(commitments, recipientIndex)
	if err != nil {
		return false, err
	}

	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y), nil
}

// evalCommitments computes sum_i commitments[i] * index^i in affine form,
// i.e. the commitment to the dealer's polynomial evaluated at index.
func evalCommitments(commitments [][]byte, index int) (secp256k1.JacobianPoint, error) {
	x := scalarFromInt(index)

	var acc secp256k1.JacobianPoint
	acc.Z.SetInt(0) // point at infinity

	xPow := scalarFromInt(1)
	for _, raw := range commitments {
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return secp256k1.JacobianPoint{}, err
		}
		var term, scaled secp256k1.JacobianPoint
		pub.AsJacobian(&term)
		secp256k1.ScalarMultNonConst(&xPow, &term, &scaled)
		secp256k1.AddNonConst(&acc, &scaled, &acc)
		xPow.Mul(&x)
	}
	acc.ToAffine()
	return acc, nil
}

// lagrangeCoefficient returns lambda_i for party index i within the
// given quorum, evaluated at x=0: lambda_i = prod_{j != i} j/(j-i).
func lagrangeCoefficient(index int, quorum []int) secp256k1.ModNScalar {
	num := scalarFromInt(1)
	den := scalarFromInt(1)
	for _, j := range quorum {
		if j == index {
			continue
		}
		js := scalarFromInt(j)
		num.Mul(&js)

		diff := scalarFromInt(j)
		is := scalarFromInt(index)
		is.Negate()
		diff.Add(&is)
		den.Mul(&diff)
	}
	var denInv secp256k1.ModNScalar
	denInv.Set(&den)
	denInv.InverseNonConst()
	num.Mul(&denInv)
	return num
}

func sumScalars(vals []secp256k1.ModNScalar) secp256k1.ModNScalar {
	var acc secp256k1.ModNScalar
	for _, v := range vals {
		v := v
		acc.Add(&v)
	}
	return acc
}
