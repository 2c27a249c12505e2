// ABOUTME: Modular field and scalar arithmetic for the Ed25519 curve
// ABOUTME: All results are canonical: non-negative and strictly below the modulus

package edwards

import (
	"errors"
	"math/big"
)

// Arithmetic errors.
var (
	// ErrNotInvertible is returned when an inverse is requested for zero or
	// any element sharing a factor with the modulus.
	ErrNotInvertible = errors.New("edwards: element is not invertible")
)

// Curve parameters for edwards25519. The field prime is 2^255-19, the
// subgroup order is 2^252 + 27742317777372353535851937790883648493.
var (
	fieldPrime, _ = new(big.Int).SetString(
		"7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed", 16)

	groupOrder, _ = new(big.Int).SetString(
		"1000000000000000000000000000000014def9dea2f79cd65812631a5cf5d3ed", 16)

	curveD, _ = new(big.Int).SetString(
		"52036cee2b6ffe738cc740797779e89800700a4d4141d8ab75eb4dca135978a3", 16)

	// sqrt(-1) mod p, used when the first square-root candidate misses.
	sqrtMinusOne, _ = new(big.Int).SetString(
		"2b8324804fc1df0b2b4d00993dfbd7a72f431806ad2fe478c4ee1b274a0ea0b0", 16)

	baseX, _ = new(big.Int).SetString(
		"216936d3cd6e53fec0a4e231fdd6dc5c692cc7609525a7b2c9562d608f25d51a", 16)
	baseY, _ = new(big.Int).SetString(
		"6666666666666666666666666666666666666666666666666666666666666658", 16)

	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// field performs modular arithmetic with a fixed modulus. Two instances
// exist: one over the curve's prime field and one over the subgroup order.
type field struct {
	modulus *big.Int
}

var (
	primeField = &field{modulus: fieldPrime}
	orderField = &field{modulus: groupOrder}
)

// reduce maps x into the canonical range [0, modulus).
func (f *field) reduce(x *big.Int) *big.Int {
	r := new(big.Int).Mod(x, f.modulus)
	if r.Sign() < 0 {
		r.Add(r, f.modulus)
	}
	return r
}

func (f *field) add(a, b *big.Int) *big.Int {
	return f.reduce(new(big.Int).Add(a, b))
}

func (f *field) sub(a, b *big.Int) *big.Int {
	return f.reduce(new(big.Int).Sub(a, b))
}

func (f *field) mul(a, b *big.Int) *big.Int {
	return f.reduce(new(big.Int).Mul(a, b))
}

// inverse computes the multiplicative inverse via the extended Euclidean
// algorithm. Zero and non-coprime inputs have no inverse.
func (f *field) inverse(x *big.Int) (*big.Int, error) {
	a := f.reduce(x)
	if a.Sign() == 0 {
		return nil, ErrNotInvertible
	}

	// Iterative extended Euclid: maintain r, newR and the Bezout
	// coefficient for x alongside.
	r := new(big.Int).Set(f.modulus)
	newR := a
	t := big.NewInt(0)
	newT := big.NewInt(1)

	for newR.Sign() != 0 {
		q := new(big.Int).Div(r, newR)

		t, newT = newT, new(big.Int).Sub(t, new(big.Int).Mul(q, newT))
		r, newR = newR, new(big.Int).Sub(r, new(big.Int).Mul(q, newR))
	}

	if r.Cmp(bigOne) != 0 {
		return nil, ErrNotInvertible
	}
	return f.reduce(t), nil
}

// pow computes x^e by square-and-multiply. The exponent is treated as a
// non-negative integer.
func (f *field) pow(x, e *big.Int) *big.Int {
	acc := big.NewInt(1)
	base := f.reduce(x)
	for i := e.BitLen() - 1; i >= 0; i-- {
		acc = f.mul(acc, acc)
		if e.Bit(i) == 1 {
			acc = f.mul(acc, base)
		}
	}
	return acc
}

// sqrt returns a square root of u mod p, computed with the fixed
// exponentiation chain u^((p+3)/8), corrected by sqrt(-1) when the first
// candidate squares to -u. Inputs with no square root are rejected.
func (f *field) sqrt(u *big.Int) (*big.Int, error) {
	u = f.reduce(u)

	exp := new(big.Int).Add(f.modulus, big.NewInt(3))
	exp.Rsh(exp, 3)
	root := f.pow(u, exp)

	if f.mul(root, root).Cmp(u) == 0 {
		return root, nil
	}
	root = f.mul(root, sqrtMinusOne)
	if f.mul(root, root).Cmp(u) == 0 {
		return root, nil
	}
	return nil, ErrInvalidPoint
}
