// ABOUTME: Extended-coordinate Edwards point with add, double, scalar mult
// ABOUTME: Handles 32-byte wire encoding with square-root-and-check decoding

package edwards

import (
	"errors"
	"math/big"
	"sync"
)

// Point errors.
var (
	// ErrInvalidPoint is returned when bytes do not decode to a point on
	// the curve, or when a point fails the curve-equation check.
	ErrInvalidPoint = errors.New("edwards: invalid point")

	// ErrSmallOrderPoint is returned for points in the small-order torsion
	// subgroup, which are rejected to rule out signature malleability.
	ErrSmallOrderPoint = errors.New("edwards: small-order point")
)

// Point is an immutable curve point in extended projective coordinates
// (X:Y:Z:T) with x = X/Z, y = Y/Z, T = XY/Z. Operations return new points.
type Point struct {
	x, y, z, t *big.Int
}

// Zero is the neutral element (0, 1).
func Zero() *Point {
	return &Point{
		x: big.NewInt(0),
		y: big.NewInt(1),
		z: big.NewInt(1),
		t: big.NewInt(0),
	}
}

// Base is the curve generator.
func Base() *Point {
	return FromAffine(baseX, baseY)
}

// FromAffine lifts an affine pair into extended coordinates. The pair is
// not checked against the curve equation; call AssertValidity on untrusted
// input.
func FromAffine(x, y *big.Int) *Point {
	px := primeField.reduce(x)
	py := primeField.reduce(y)
	return &Point{
		x: px,
		y: py,
		z: big.NewInt(1),
		t: primeField.mul(px, py),
	}
}

// Add returns p + q using the unified extended-coordinate formulas. The
// formulas are complete for this curve: the same multiplications run
// regardless of whether p equals q, is the negation of q, or is the
// neutral element.
func (p *Point) Add(q *Point) *Point {
	f := primeField

	a := f.mul(f.sub(p.y, p.x), f.sub(q.y, q.x))
	b := f.mul(f.add(p.y, p.x), f.add(q.y, q.x))
	c := f.mul(f.mul(p.t, f.mul(bigTwo, curveD)), q.t)
	d := f.mul(f.mul(p.z, bigTwo), q.z)

	e := f.sub(b, a)
	ff := f.sub(d, c)
	g := f.add(d, c)
	h := f.add(b, a)

	return &Point{
		x: f.mul(e, ff),
		y: f.mul(g, h),
		z: f.mul(ff, g),
		t: f.mul(e, h),
	}
}

// Double returns 2p.
func (p *Point) Double() *Point {
	f := primeField

	a := f.mul(p.x, p.x)
	b := f.mul(p.y, p.y)
	c := f.mul(bigTwo, f.mul(p.z, p.z))
	d := f.sub(big.NewInt(0), a) // curve coefficient a = -1

	xy := f.add(p.x, p.y)
	e := f.sub(f.sub(f.mul(xy, xy), a), b)
	g := f.add(d, b)
	h := f.sub(d, b)
	ff := f.sub(g, c)

	return &Point{
		x: f.mul(e, ff),
		y: f.mul(g, h),
		z: f.mul(ff, g),
		t: f.mul(e, h),
	}
}

// Multiply returns scalar·p by binary double-and-add. When constantTime is
// true every bit performs an addition (the result is discarded for zero
// bits) so the sequence of operations does not depend on the scalar. Pass
// false only for scalars that are not secret, such as signature
// verification.
func (p *Point) Multiply(scalar *big.Int, constantTime bool) *Point {
	k := orderField.reduce(scalar)

	acc := Zero()
	fake := Zero()
	addend := p

	bits := groupOrder.BitLen()
	if !constantTime {
		bits = k.BitLen()
	}
	for i := 0; i < bits; i++ {
		if k.Bit(i) == 1 {
			acc = acc.Add(addend)
		} else if constantTime {
			fake = fake.Add(addend)
		}
		addend = addend.Double()
	}
	_ = fake
	return acc
}

// Equal reports whether p and q represent the same affine point.
func (p *Point) Equal(q *Point) bool {
	f := primeField
	return f.mul(p.x, q.z).Cmp(f.mul(q.x, p.z)) == 0 &&
		f.mul(p.y, q.z).Cmp(f.mul(q.y, p.z)) == 0
}

// Affine returns the affine (x, y) pair.
func (p *Point) Affine() (*big.Int, *big.Int, error) {
	zInv, err := primeField.inverse(p.z)
	if err != nil {
		return nil, nil, err
	}
	return primeField.mul(p.x, zInv), primeField.mul(p.y, zInv), nil
}

// AssertValidity recomputes the curve equation -x² + y² = 1 + d·x²·y² from
// the extended coordinates and fails if it does not hold. Required before
// trusting any externally supplied point.
func (p *Point) AssertValidity() error {
	x, y, err := p.Affine()
	if err != nil {
		return ErrInvalidPoint
	}
	f := primeField

	x2 := f.mul(x, x)
	y2 := f.mul(y, y)
	left := f.sub(y2, x2)
	right := f.add(bigOne, f.mul(curveD, f.mul(x2, y2)))
	if left.Cmp(right) != 0 {
		return ErrInvalidPoint
	}
	return nil
}

// ClearCofactor returns 8p.
func (p *Point) ClearCofactor() *Point {
	return p.Double().Double().Double()
}

// IsTorsionFree reports whether p lies in the prime-order subgroup.
// Small-order components survive multiplication by the group order, so
// order·p is the neutral element exactly for torsion-free points.
func (p *Point) IsTorsionFree() bool {
	return p.Multiply(new(big.Int).Sub(groupOrder, bigOne), false).Add(p).Equal(Zero())
}

// Bytes encodes the point: 32 little-endian bytes of y with the sign of x
// folded into the most significant bit of the final byte.
func (p *Point) Bytes() ([]byte, error) {
	x, y, err := p.Affine()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	y.FillBytes(out)
	reverse(out)
	if x.Bit(0) == 1 {
		out[31] |= 0x80
	}
	return out, nil
}

// PointFromBytes decodes a 32-byte encoding, recovering x from the curve
// equation via the square-root chain and validating the result. Encodings
// with a non-canonical y, a missing square root, or an x of the wrong sign
// for zero are rejected.
func PointFromBytes(encoded []byte) (*Point, error) {
	if len(encoded) != 32 {
		return nil, ErrInvalidPoint
	}
	buf := make([]byte, 32)
	copy(buf, encoded)

	xSign := uint(buf[31] >> 7)
	buf[31] &= 0x7f
	reverse(buf)
	y := new(big.Int).SetBytes(buf)
	if y.Cmp(fieldPrime) >= 0 {
		return nil, ErrInvalidPoint
	}

	// x² = (y² - 1) / (d·y² + 1)
	f := primeField
	y2 := f.mul(y, y)
	denom, err := f.inverse(f.add(f.mul(curveD, y2), bigOne))
	if err != nil {
		return nil, ErrInvalidPoint
	}
	x2 := f.mul(f.sub(y2, bigOne), denom)

	x, err := f.sqrt(x2)
	if err != nil {
		return nil, err
	}
	if x.Sign() == 0 && xSign == 1 {
		return nil, ErrInvalidPoint
	}
	if x.Bit(0) != xSign {
		x = f.sub(big.NewInt(0), x)
	}

	p := FromAffine(x, y)
	if err := p.AssertValidity(); err != nil {
		return nil, err
	}
	return p, nil
}

// Fixed-base table: multiples 2^i·B for every bit position, built once.
// Trades memory for skipping the doubling chain on every generator
// multiplication, which dominates key derivation and signing.
var (
	baseTableOnce sync.Once
	baseTable     []*Point
)

func fixedBaseTable() []*Point {
	baseTableOnce.Do(func() {
		bits := groupOrder.BitLen() + 1
		baseTable = make([]*Point, bits)
		p := Base()
		for i := 0; i < bits; i++ {
			baseTable[i] = p
			p = p.Double()
		}
	})
	return baseTable
}

// MultiplyBase returns scalar·B using the precomputed fixed-base table.
// Every table entry is visited so the operation sequence is independent of
// the scalar value.
func MultiplyBase(scalar *big.Int) *Point {
	k := orderField.reduce(scalar)
	table := fixedBaseTable()

	acc := Zero()
	fake := Zero()
	for i, entry := range table {
		if k.Bit(i) == 1 {
			acc = acc.Add(entry)
		} else {
			fake = fake.Add(entry)
		}
	}
	_ = fake
	return acc
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
