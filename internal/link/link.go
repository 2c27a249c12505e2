// ABOUTME: Authenticated gateway link: handshake, multiplexing, reconnect
// ABOUTME: Owns one WebSocket and funnels all shared state through one mutex

package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-link/internal/identity"
)

// Link errors.
var (
	// ErrNotOpen is returned by Request when the handshake has not
	// completed on the current connection.
	ErrNotOpen = errors.New("link: not open")

	// ErrLinkClosed rejects pending requests when the socket closes
	// before their responses arrive.
	ErrLinkClosed = errors.New("link: connection closed")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("link: already started")
)

// RemoteError is a server-supplied request failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// State is the link's connection lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshakeSent
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultBackoffFloor   = 800 * time.Millisecond
	defaultBackoffCeiling = 15 * time.Second
	backoffMultiplier     = 1.7

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second

	// Rejected handshakes close with a distinct code so the gateway can
	// tell auth failures from ordinary disconnects.
	handshakeRejectedCode = websocket.StatusPolicyViolation
)

// Options configures a Link. URL and Role are required; Identity and
// Tokens enable device authentication and token persistence.
type Options struct {
	URL    string
	Role   string
	Scopes []string
	Caps   []string
	Client ClientInfo

	Identity *identity.Identity
	Tokens   *identity.TokenStore
	Password string

	UserAgent string
	Locale    string

	// KeepaliveInterval enables periodic WebSocket pings when positive.
	KeepaliveInterval time.Duration

	// ReconnectFloor and ReconnectCeiling bound the reconnect backoff;
	// zero values take the 800ms/15s defaults.
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration

	// OnHello fires after every successful handshake. OnEvent receives
	// every push except connect.challenge. OnGap fires when an event
	// sequence number skips ahead. Handlers run on the link's read
	// goroutine and must not block or call Request synchronously.
	OnHello func(hello HelloPayload)
	OnEvent func(evt Event)
	OnGap   func(expected, received int64)

	Logger *slog.Logger
}

type response struct {
	payload json.RawMessage
	err     error
}

// Link maintains one authenticated WebSocket to the gateway, multiplexes
// requests over it, and reconnects with bounded exponential backoff until
// stopped.
type Link struct {
	opts   Options
	logger *slog.Logger
	policy *backoff.ExponentialBackOff

	runCtx context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes to the socket.
	writeMu sync.Mutex

	// mu guards the connection state below. The pending map, sequence
	// counter, and handshake bookkeeping change together and must never
	// be observed half-updated.
	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	pending         map[string]chan response
	lastSeq         int64
	seqSeen         bool
	connectID       string
	connectSent     bool
	challengeUsed   bool
	sentStoredToken bool
	started         bool
	stopped         bool
}

// New creates a Link. Call Start to connect.
func New(opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	floor := opts.ReconnectFloor
	if floor <= 0 {
		floor = defaultBackoffFloor
	}
	ceiling := opts.ReconnectCeiling
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		opts:   opts,
		logger: logger,
		policy: newBackoffPolicy(floor, ceiling),
		runCtx: ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// newBackoffPolicy builds the reconnect delay policy: multiplicative
// growth from the floor to the ceiling with no jitter, reset to the floor
// after a successful handshake.
func newBackoffPolicy(floor, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = floor
	b.MaxInterval = ceiling
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start transitions Idle to Connecting and begins the connect loop.
func (l *Link) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.state = StateConnecting
	l.mu.Unlock()

	go l.run()
	return nil
}

// Stop closes the link permanently. Pending requests are rejected and no
// reconnection is attempted.
func (l *Link) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.state = StateClosed
	conn := l.conn
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client stopped")
	}
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Request sends {type:"req", id, method, params} and waits for the
// matching response. It fails immediately when the link is not open. The
// context only abandons the local wait; any timeoutMs inside params is
// forwarded for the gateway to enforce, never interpreted here.
func (l *Link) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	l.mu.Lock()
	if l.state != StateOpen || l.conn == nil {
		l.mu.Unlock()
		return nil, ErrNotOpen
	}
	conn := l.conn
	id := uuid.NewString()
	ch := make(chan response, 1)
	l.pending[id] = ch
	l.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		l.dropPending(id)
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	frame := requestFrame{Type: frameTypeRequest, ID: id, Method: method, Params: raw}
	if err := l.writeFrame(conn, frame); err != nil {
		l.dropPending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp.payload, resp.err
	case <-ctx.Done():
		l.dropPending(id)
		return nil, ctx.Err()
	}
}

func (l *Link) dropPending(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}

// run is the connect loop: one connection attempt per iteration, with the
// backoff delay between failures.
func (l *Link) run() {
	for {
		l.connectOnce()
		if l.isStopped() {
			return
		}

		delay := l.policy.NextBackOff()
		l.logger.Info("link closed, reconnecting", "delay", delay)
		select {
		case <-time.After(delay):
		case <-l.runCtx.Done():
			return
		}
	}
}

func (l *Link) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// connectOnce dials, runs the handshake, and services the connection
// until it drops.
func (l *Link) connectOnce() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(l.runCtx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.opts.URL, nil)
	cancelDial()
	if err != nil {
		l.logger.Warn("dial failed", "url", l.opts.URL, "error", err)
		return
	}
	conn.SetReadLimit(1 << 22)

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client stopped")
		return
	}
	l.conn = conn
	l.pending = make(map[string]chan response)
	l.lastSeq = 0
	l.seqSeen = false
	l.connectID = ""
	l.connectSent = false
	l.challengeUsed = false
	l.sentStoredToken = false
	l.mu.Unlock()

	// The handshake (including signing) runs on this goroutine, keeping
	// the read loop free to dispatch frames.
	if err := l.sendConnect(""); err != nil {
		l.logger.Warn("handshake send failed", "error", err)
		conn.Close(websocket.StatusProtocolError, "handshake failed")
	}

	connCtx, cancelConn := context.WithCancel(l.runCtx)
	defer cancelConn()
	if l.opts.KeepaliveInterval > 0 {
		go l.keepalive(connCtx, conn)
	}

	l.readLoop(connCtx, conn)
	l.teardown(conn)
}

// sendConnect builds and sends the handshake request. Without a nonce it
// is idempotent per connection attempt; a challenge nonce forces the one
// permitted re-send with the nonce folded into the signed payload.
func (l *Link) sendConnect(nonce string) error {
	l.mu.Lock()
	if nonce == "" && l.connectSent {
		l.mu.Unlock()
		return nil
	}
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.connectSent = true
	if nonce == "" {
		l.state = StateAwaitingChallenge
	} else {
		l.state = StateHandshakeSent
	}
	id := uuid.NewString()
	l.connectID = id
	l.mu.Unlock()

	params := HelloParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client:      l.opts.Client,
		Role:        l.opts.Role,
		Scopes:      l.opts.Scopes,
		Caps:        l.opts.Caps,
		UserAgent:   l.opts.UserAgent,
		Locale:      l.opts.Locale,
	}

	var storedToken string
	if l.opts.Identity != nil && l.opts.Tokens != nil {
		rec, ok, err := l.opts.Tokens.Load(l.opts.Identity.DeviceID, l.opts.Role)
		if err != nil {
			l.logger.Warn("loading stored token", "error", err)
		} else if ok {
			storedToken = rec.Token
		}
	}
	if storedToken != "" || l.opts.Password != "" {
		params.Auth = &AuthParams{Token: storedToken, Password: l.opts.Password}
	}

	if l.opts.Identity != nil {
		device, err := identity.SignDevicePayload(l.opts.Identity, identity.SignRequest{
			DeviceID:   l.opts.Identity.DeviceID,
			ClientID:   l.opts.Client.ID,
			ClientMode: l.opts.Client.Mode,
			Role:       l.opts.Role,
			Scopes:     l.opts.Scopes,
			SignedAtMs: time.Now().UnixMilli(),
			Token:      storedToken,
			Nonce:      nonce,
		})
		if err != nil {
			return fmt.Errorf("signing handshake: %w", err)
		}
		params.Device = device
	}

	l.mu.Lock()
	l.sentStoredToken = storedToken != ""
	l.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	return l.writeFrame(conn, requestFrame{
		Type:   frameTypeRequest,
		ID:     id,
		Method: connectMethod,
		Params: raw,
	})
}

func (l *Link) writeFrame(conn *websocket.Conn, frame any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(l.runCtx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

// readLoop reads frames until the connection drops. Frames that fail to
// parse as JSON are dropped; they must never take the link down.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.logger.Debug("socket read ended", "error", err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		l.handleFrame(conn, &frame)
	}
}

func (l *Link) handleFrame(conn *websocket.Conn, frame *inboundFrame) {
	switch frame.Type {
	case frameTypeEvent:
		if frame.Event == challengeEvent {
			l.handleChallenge(frame.Payload)
			return
		}
		l.handleEvent(frame)
	case frameTypeResponse:
		l.handleResponse(conn, frame)
	default:
		l.logger.Debug("dropping frame of unknown type", "frame_type", frame.Type)
	}
}

// handleChallenge consumes the server's nonce, exactly once per attempt,
// and re-sends the handshake with the nonce in the signed payload. The
// re-send runs off the read goroutine so signing cannot stall dispatch.
func (l *Link) handleChallenge(payload json.RawMessage) {
	l.mu.Lock()
	if l.challengeUsed {
		l.mu.Unlock()
		l.logger.Debug("ignoring repeated challenge")
		return
	}
	l.challengeUsed = true
	l.mu.Unlock()

	var challenge challengePayload
	if err := json.Unmarshal(payload, &challenge); err != nil || challenge.Nonce == "" {
		l.logger.Warn("challenge without usable nonce")
		return
	}

	go func() {
		if err := l.sendConnect(challenge.Nonce); err != nil {
			l.logger.Warn("challenge response failed", "error", err)
		}
	}()
}

// handleEvent tracks the sequence counter, reports gaps, and forwards the
// event to the caller.
func (l *Link) handleEvent(frame *inboundFrame) {
	var seq int64
	var gapExpected, gapReceived int64
	gap := false

	if frame.Seq != nil {
		seq = *frame.Seq
		l.mu.Lock()
		if l.seqSeen && seq > l.lastSeq+1 {
			gap = true
			gapExpected = l.lastSeq + 1
			gapReceived = seq
		}
		if !l.seqSeen || seq > l.lastSeq {
			l.lastSeq = seq
			l.seqSeen = true
		}
		l.mu.Unlock()
	}

	if gap {
		l.logger.Warn("event sequence gap", "expected", gapExpected, "received", gapReceived)
		if l.opts.OnGap != nil {
			l.opts.OnGap(gapExpected, gapReceived)
		}
	}
	if l.opts.OnEvent != nil {
		l.opts.OnEvent(Event{
			Event:   frame.Event,
			Payload: frame.Payload,
			Seq:     seq,
			TS:      frame.TS,
		})
	}
}

// handleResponse routes a res frame to the handshake handler or the
// matching pending request. Unknown ids are ignored; they may arrive
// after a local cleanup.
func (l *Link) handleResponse(conn *websocket.Conn, frame *inboundFrame) {
	l.mu.Lock()
	if frame.ID != "" && frame.ID == l.connectID {
		l.connectID = ""
		l.mu.Unlock()
		l.handleHello(conn, frame)
		return
	}
	ch, ok := l.pending[frame.ID]
	if ok {
		delete(l.pending, frame.ID)
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Debug("response for unknown request", "id", frame.ID)
		return
	}

	if frame.OK {
		ch <- response{payload: frame.Payload}
		return
	}
	message := "request failed"
	if frame.Error != nil && frame.Error.Message != "" {
		message = frame.Error.Message
	}
	ch <- response{err: &RemoteError{Message: message}}
}

// handleHello finishes the handshake: store any rotated device token,
// reset the backoff, open the link. Rejections revoke the token sent on
// this attempt and close with a code the gateway can distinguish.
func (l *Link) handleHello(conn *websocket.Conn, frame *inboundFrame) {
	if !frame.OK {
		message := "handshake rejected"
		if frame.Error != nil && frame.Error.Message != "" {
			message = frame.Error.Message
		}
		l.logger.Warn("handshake rejected", "error", message)

		l.mu.Lock()
		sentToken := l.sentStoredToken
		l.mu.Unlock()
		if sentToken && l.opts.Identity != nil && l.opts.Tokens != nil {
			if err := l.opts.Tokens.Clear(l.opts.Identity.DeviceID, l.opts.Role); err != nil {
				l.logger.Warn("revoking rejected token", "error", err)
			}
		}
		conn.Close(handshakeRejectedCode, "handshake rejected")
		return
	}

	var hello HelloPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			l.logger.Warn("unparseable hello payload", "error", err)
		}
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" &&
		l.opts.Identity != nil && l.opts.Tokens != nil {
		err := l.opts.Tokens.Save(l.opts.Identity.DeviceID, l.opts.Role, hello.Auth.DeviceToken, l.opts.Scopes)
		if err != nil {
			l.logger.Warn("storing device token", "error", err)
		}
	}

	l.mu.Lock()
	l.state = StateOpen
	l.mu.Unlock()
	l.policy.Reset()

	l.logger.Info("link open", "role", l.opts.Role, "protocol", hello.Protocol)
	if l.opts.OnHello != nil {
		l.opts.OnHello(hello)
	}
}

// teardown rejects every pending request with a synthetic link-closed
// error and clears the connection state.
func (l *Link) teardown(conn *websocket.Conn) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.conn = nil
	l.connectID = ""
	if !l.stopped {
		l.state = StateClosed
	}
	l.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrLinkClosed}
	}
	conn.CloseNow()
}

// keepalive pings the gateway on a fixed interval; a failed ping closes
// the connection so the normal reconnect path takes over.
func (l *Link) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				l.logger.Warn("keepalive ping failed", "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}
