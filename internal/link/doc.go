// ABOUTME: Package documentation for the gateway link
// ABOUTME: Lifecycle, handshake, multiplexing, and reconnect behavior

// Package link maintains an authenticated WebSocket connection to the
// gateway and multiplexes RPC requests and event streams over it.
//
// # Lifecycle
//
// A Link moves through idle, connecting, awaiting-challenge,
// handshake-sent, open, and closed. Start begins the connect loop;
// Stop closes the link permanently. Between those two calls the link
// owns reconnection: every drop is followed by a delay that grows by
// a fixed multiplier from 800ms up to a 15s ceiling, and a successful
// handshake resets the delay back to the floor.
//
// # Handshake
//
// The first frame on every connection is a connect request carrying the
// client description, requested role and scopes, and a signed device
// payload proving possession of the device key. A gateway that demands
// replay protection answers with a connect.challenge event; the link
// consumes the nonce (once per attempt) and re-sends the connect request
// with the nonce folded into the signed string. On success the link
// stores any minted device token for the next connection; on rejection
// it revokes the token it presented and closes with a policy-violation
// code.
//
// # Multiplexing
//
// Request assigns each call a UUID, registers it in a pending table, and
// blocks until the matching response frame arrives or the caller's
// context expires. Responses arrive in any order. When the socket drops,
// every pending call fails with ErrLinkClosed.
//
// # Events
//
// Event frames are delivered to OnEvent in arrival order. Frames that
// carry a sequence number feed a per-connection gap detector: once a
// baseline sequence has been seen, a jump past lastSeq+1 fires OnGap
// with the expected and received numbers. The counter resets on every
// new connection.
//
// Handlers run on the link's read goroutine. They must return promptly
// and must not call Request synchronously, or frame dispatch stalls.
package link
