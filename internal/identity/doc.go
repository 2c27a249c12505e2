// Package identity manages the persistent per-installation device
// identity and the gateway-issued bearer tokens tied to it.
//
// # Device Identity
//
// Store persists one Identity record per data directory:
//
//	{version: 1, deviceId, publicKey, privateKey, createdAt}
//
// The private key is a 32-byte Ed25519 seed, the sole true secret. The
// device id is always the hex SHA-256 digest of the encoded public key;
// a record that violates this invariant is repaired on load (the digest
// is recomputed and rewritten) rather than rejected. Keys are never
// regenerated implicitly — only Reset destroys an identity.
//
// # Tokens
//
// TokenStore keeps bearer tokens keyed by (deviceId, role) in a per-device
// JSON document. Save, Load, and Clear operate on exactly one role; all
// writes are read-modify-write under a mutex so concurrent writers cannot
// drop another role's token.
//
// # Handshake Signing
//
// SignDevicePayload proves possession of the device key during the
// gateway handshake by signing the canonical pipe-joined string (see
// CanonicalString) and packaging the result as the device block
// {id, publicKey, signature, signedAt, nonce?}.
package identity
