// ABOUTME: Canonical signing string and signed device block for the handshake
// ABOUTME: Pipe-joined, version-tagged, signed with the device's Ed25519 seed

package identity

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/2389/coven-link/internal/edwards"
)

// SignRequest carries every field that participates in the canonical
// signing string for one handshake attempt.
type SignRequest struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string // stored device token, empty when none
	Nonce      string // server challenge nonce, empty for v1
}

// DevicePayload is the signed device block sent in handshake params.
type DevicePayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// CanonicalString builds the exact byte string that is signed:
//
//	version|deviceId|clientId|clientMode|role|scopes-csv|signedAtMs|token-or-empty[|nonce]
//
// The version tag is v2 when a challenge nonce participates (appended as
// the final field) and v1 otherwise. Field order is load-bearing: both
// ends rebuild this string independently.
func CanonicalString(req SignRequest) string {
	version := "v1"
	fields := []string{
		version,
		req.DeviceID,
		req.ClientID,
		req.ClientMode,
		req.Role,
		strings.Join(req.Scopes, ","),
		fmt.Sprintf("%d", req.SignedAtMs),
		req.Token,
	}
	if req.Nonce != "" {
		fields[0] = "v2"
		fields = append(fields, req.Nonce)
	}
	return strings.Join(fields, "|")
}

// SignDevicePayload signs the canonical string with the identity's seed
// and assembles the device block. The signature is the raw 64-byte
// Ed25519 signature, base64url-encoded without padding.
func SignDevicePayload(id *Identity, req SignRequest) (*DevicePayload, error) {
	seed, err := id.Seed()
	if err != nil {
		return nil, err
	}

	sig, err := edwards.Sign(seed, []byte(CanonicalString(req)))
	if err != nil {
		return nil, fmt.Errorf("signing device payload: %w", err)
	}

	return &DevicePayload{
		ID:        id.DeviceID,
		PublicKey: id.PublicKey,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		SignedAt:  req.SignedAtMs,
		Nonce:     req.Nonce,
	}, nil
}

// VerifyDevicePayload checks a device block against a rebuilt canonical
// string. The gateway does this server-side; the client keeps it for
// parity tests and tooling.
func VerifyDevicePayload(payload *DevicePayload, req SignRequest) bool {
	pub, err := base64.RawURLEncoding.DecodeString(payload.PublicKey)
	if err != nil || len(pub) != edwards.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(payload.Signature)
	if err != nil || len(sig) != edwards.SignatureSize {
		return false
	}
	if DeviceID(pub) != payload.ID {
		return false
	}
	return edwards.Verify(pub, []byte(CanonicalString(req)), sig)
}
