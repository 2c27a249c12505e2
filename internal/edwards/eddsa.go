// ABOUTME: RFC 8032 Ed25519 signing engine: key expansion, sign, verify
// ABOUTME: Deterministic nonces from a SHA-512 prefix, fixed-base fast path

package edwards

import (
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
)

const (
	// SeedSize is the length of the secret seed, the sole true secret.
	SeedSize = 32

	// PublicKeySize is the length of an encoded public point.
	PublicKeySize = 32

	// SignatureSize is the length of an encoded signature (R ‖ s).
	SignatureSize = 64
)

var (
	// ErrInvalidSeed is returned for seeds of the wrong length.
	ErrInvalidSeed = errors.New("edwards: seed must be 32 bytes")

	// ErrInvalidSignature is returned when a signature fails structural
	// checks before verification (wrong length, scalar out of range).
	ErrInvalidSignature = errors.New("edwards: invalid signature")
)

// ExpandedKey is the result of RFC 8032 key expansion: a clamped secret
// scalar, a deterministic nonce prefix, and the derived public key.
type ExpandedKey struct {
	Scalar    *big.Int
	Prefix    [32]byte
	PublicKey []byte
}

// ExpandSeed hashes the 32-byte seed with SHA-512. The first half becomes
// the clamped secret scalar, the second half the per-signer nonce prefix,
// and the public key is scalar·B.
func ExpandSeed(seed []byte) (*ExpandedKey, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeed
	}

	digest := sha512.Sum512(seed)

	scalarBytes := make([]byte, 32)
	copy(scalarBytes, digest[:32])
	clampScalar(scalarBytes)

	key := &ExpandedKey{Scalar: littleEndianToInt(scalarBytes)}
	copy(key.Prefix[:], digest[32:])

	pub, err := MultiplyBase(key.Scalar).Bytes()
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	key.PublicKey = pub
	return key, nil
}

// clampScalar applies RFC 8032 clamping: clear the low three bits and the
// top bit, set the second-highest bit.
func clampScalar(b []byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}

// Sign produces the 64-byte deterministic Ed25519 signature of message
// under seed. The same seed and message always yield the same bytes.
func Sign(seed, message []byte) ([]byte, error) {
	key, err := ExpandSeed(seed)
	if err != nil {
		return nil, err
	}

	// r = H(prefix ‖ M) mod L, R = r·B
	rh := sha512.New()
	rh.Write(key.Prefix[:])
	rh.Write(message)
	r := orderField.reduce(littleEndianToInt(rh.Sum(nil)))

	rBytes, err := MultiplyBase(r).Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding R: %w", err)
	}

	// k = H(R ‖ A ‖ M) mod L, s = r + k·scalar mod L
	kh := sha512.New()
	kh.Write(rBytes)
	kh.Write(key.PublicKey)
	kh.Write(message)
	k := orderField.reduce(littleEndianToInt(kh.Sum(nil)))

	s := orderField.add(r, orderField.mul(k, key.Scalar))

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, rBytes...)
	sig = append(sig, intToLittleEndian(s, 32)...)
	return sig, nil
}

// Verify checks signature over message against publicKey. The public point
// and R are fully validated (on-curve, torsion-free) and s must be a
// canonical scalar.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}

	pubPoint, err := PointFromBytes(publicKey)
	if err != nil {
		return false
	}
	if !pubPoint.IsTorsionFree() {
		return false
	}

	rPoint, err := PointFromBytes(signature[:32])
	if err != nil {
		return false
	}

	s := littleEndianToInt(signature[32:])
	if s.Cmp(groupOrder) >= 0 {
		return false
	}

	kh := sha512.New()
	kh.Write(signature[:32])
	kh.Write(publicKey)
	kh.Write(message)
	k := orderField.reduce(littleEndianToInt(kh.Sum(nil)))

	// s·B == R + k·A. Neither scalar is secret here, so the variable-time
	// multiply is fine.
	left, err := MultiplyBase(s).Bytes()
	if err != nil {
		return false
	}
	right, err := rPoint.Add(pubPoint.Multiply(k, false)).Bytes()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(left, right) == 1
}

// littleEndianToInt interprets b as a little-endian unsigned integer.
func littleEndianToInt(b []byte) *big.Int {
	buf := make([]byte, len(b))
	copy(buf, b)
	reverse(buf)
	return new(big.Int).SetBytes(buf)
}

// intToLittleEndian encodes x as size little-endian bytes.
func intToLittleEndian(x *big.Int, size int) []byte {
	out := make([]byte, size)
	x.FillBytes(out)
	reverse(out)
	return out
}
