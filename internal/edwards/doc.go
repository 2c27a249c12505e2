// Package edwards is a self-contained Ed25519 signature engine used to
// mint and prove coven-link device identities.
//
// # Why not a library
//
// The engine exists so that device identity has zero dependencies on
// platform crypto: the same arithmetic runs everywhere the link runs, and
// the wire encoding is under this package's control. It follows RFC 8032
// (Ed25519 with SHA-512) exactly.
//
// # Layers
//
// The package is built leaf-first:
//
//   - field.go: modular arithmetic over the prime field 2^255-19 and the
//     subgroup order, extended-Euclid inversion, square-and-multiply
//     exponentiation, and the fixed square-root chain.
//   - point.go: extended-coordinate points (X:Y:Z:T) with unified add and
//     double formulas, scalar multiplication with a constant-structure
//     option, 32-byte wire encoding, curve-equation validation, and
//     torsion checks.
//   - eddsa.go: RFC 8032 key expansion with clamping, deterministic
//     signing, and verification.
//
// # Validation
//
// Every externally supplied point passes through PointFromBytes, which
// recovers x by the square-root-and-check step and rejects encodings whose
// purported root does not satisfy the curve equation. Verify additionally
// rejects small-order public keys and non-canonical s scalars, closing the
// known malleability routes.
//
// # Performance
//
// Generator multiplications (key derivation, signing, the s·B side of
// verification) use a precomputed table of 2^i·B multiples so that only
// additions run per scalar. Arithmetic is math/big; this engine signs one
// handshake per connection attempt, not bulk traffic.
package edwards
