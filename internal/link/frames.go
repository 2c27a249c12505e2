// ABOUTME: JSON wire frames exchanged with the gateway over the WebSocket
// ABOUTME: Request/response/event envelopes plus the connect handshake params

package link

import (
	"encoding/json"

	"github.com/2389/coven-link/internal/identity"
)

// Frame types on the wire.
const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// connectMethod is the handshake request; challengeEvent is the one event
// the link consumes internally instead of forwarding.
const (
	connectMethod  = "connect"
	challengeEvent = "connect.challenge"
)

// Protocol versions this client can speak. Version 2 adds the challenge
// nonce to the signed device payload.
const (
	minProtocol = 1
	maxProtocol = 2
)

// requestFrame is an outbound RPC call: {type:"req", id, method, params}.
type requestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// inboundFrame is the superset of every frame the gateway sends. Type
// discriminates; unrelated fields stay zero.
type inboundFrame struct {
	Type string `json:"type"`

	// res fields
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`

	// event fields
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
	TS    int64  `json:"ts,omitempty"`
}

// frameError carries the server-supplied failure message on ok:false.
type frameError struct {
	Message string `json:"message"`
}

// ClientInfo describes this client in the handshake.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// AuthParams carries optional shared-secret credentials alongside the
// device proof.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloParams is the params object of the connect request.
type HelloParams struct {
	MinProtocol int                     `json:"minProtocol"`
	MaxProtocol int                     `json:"maxProtocol"`
	Client      ClientInfo              `json:"client"`
	Role        string                  `json:"role"`
	Scopes      []string                `json:"scopes"`
	Device      *identity.DevicePayload `json:"device,omitempty"`
	Caps        []string                `json:"caps"`
	Auth        *AuthParams             `json:"auth,omitempty"`
	UserAgent   string                  `json:"userAgent"`
	Locale      string                  `json:"locale"`
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Protocol int             `json:"protocol,omitempty"`
	Server   json.RawMessage `json:"server,omitempty"`
	Auth     *HelloAuth      `json:"auth,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// HelloAuth carries a newly minted or rotated device token.
type HelloAuth struct {
	DeviceToken string `json:"deviceToken,omitempty"`
}

// challengePayload is the body of a connect.challenge event.
type challengePayload struct {
	Nonce string `json:"nonce"`
}

// Event is a gateway push delivered to the caller's handler.
type Event struct {
	Event   string
	Payload json.RawMessage
	Seq     int64
	TS      int64
}
