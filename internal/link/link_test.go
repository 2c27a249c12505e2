// ABOUTME: Tests for the gateway link against an in-process fake gateway
// ABOUTME: Covers handshake, challenge, multiplexing, gaps, and reconnect

package link

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-link/internal/identity"
)

const testTimeout = 5 * time.Second

// fakeGateway accepts WebSocket connections and hands each one to the
// test as a gatewayConn.
type fakeGateway struct {
	srv   *httptest.Server
	conns chan *gatewayConn
}

type gatewayConn struct {
	conn   *websocket.Conn
	frames chan map[string]any
	closed chan error
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *gatewayConn, 4)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		gc := &gatewayConn{
			conn:   conn,
			frames: make(chan map[string]any, 16),
			closed: make(chan error, 1),
		}
		go gc.readLoop()
		g.conns <- gc
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *gatewayConn {
	t.Helper()
	select {
	case gc := <-g.conns:
		return gc
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (gc *gatewayConn) readLoop() {
	for {
		_, data, err := gc.conn.Read(context.Background())
		if err != nil {
			gc.closed <- err
			close(gc.frames)
			return
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) == nil {
			gc.frames <- frame
		}
	}
}

func (gc *gatewayConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-gc.frames:
		if !ok {
			t.Fatal("connection closed while waiting for a frame")
		}
		return frame
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (gc *gatewayConn) send(t *testing.T, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, gc.conn, v))
}

func (gc *gatewayConn) sendRaw(t *testing.T, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, gc.conn.Write(ctx, websocket.MessageText, []byte(data)))
}

func (gc *gatewayConn) closeStatus(t *testing.T) websocket.StatusCode {
	t.Helper()
	select {
	case err := <-gc.closed:
		return websocket.CloseStatus(err)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the connection to close")
		return 0
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(g *fakeGateway) Options {
	return Options{
		URL:    g.url(),
		Role:   "operator",
		Scopes: []string{"chat"},
		Client: ClientInfo{ID: "test-client", Version: "0.1.0", Platform: "test", Mode: "cli"},
		Logger: quietLogger(),

		ReconnectFloor: 50 * time.Millisecond,
	}
}

// acceptConnect reads the connect request and returns its id and params.
func acceptConnect(t *testing.T, gc *gatewayConn) (string, map[string]any) {
	t.Helper()
	frame := gc.next(t)
	require.Equal(t, "req", frame["type"])
	require.Equal(t, "connect", frame["method"])
	id, _ := frame["id"].(string)
	require.NotEmpty(t, id)
	params, _ := frame["params"].(map[string]any)
	require.NotNil(t, params)
	return id, params
}

func approveConnect(t *testing.T, gc *gatewayConn, id string, payload map[string]any) {
	t.Helper()
	if payload == nil {
		payload = map[string]any{"protocol": 2}
	}
	gc.send(t, map[string]any{"type": "res", "id": id, "ok": true, "payload": payload})
}

// openLink starts a link, drives the plain handshake on the fake
// gateway, and waits for the open state.
func openLink(t *testing.T, g *fakeGateway, opts Options) (*Link, *gatewayConn) {
	t.Helper()
	l := New(opts)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	gc := g.accept(t)
	id, _ := acceptConnect(t, gc)
	approveConnect(t, gc, id, nil)

	require.Eventually(t, func() bool { return l.State() == StateOpen },
		testTimeout, 10*time.Millisecond)
	return l, gc
}

func TestHandshakeCarriesSignedDevicePayload(t *testing.T) {
	g := newFakeGateway(t)

	idStore := identity.NewStore(t.TempDir(), quietLogger())
	dev, err := idStore.Load()
	require.NoError(t, err)

	opts := testOptions(g)
	opts.Identity = dev
	opts.Tokens = identity.NewTokenStore(t.TempDir(), quietLogger())

	helloed := make(chan HelloPayload, 1)
	opts.OnHello = func(h HelloPayload) { helloed <- h }

	l := New(opts)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	gc := g.accept(t)
	id, params := acceptConnect(t, gc)

	assert.Equal(t, float64(1), params["minProtocol"])
	assert.Equal(t, float64(2), params["maxProtocol"])
	assert.Equal(t, "operator", params["role"])

	deviceRaw, err := json.Marshal(params["device"])
	require.NoError(t, err)
	var payload identity.DevicePayload
	require.NoError(t, json.Unmarshal(deviceRaw, &payload))
	assert.Equal(t, dev.DeviceID, payload.ID)
	assert.Empty(t, payload.Nonce)

	assert.True(t, identity.VerifyDevicePayload(&payload, identity.SignRequest{
		DeviceID:   dev.DeviceID,
		ClientID:   "test-client",
		ClientMode: "cli",
		Role:       "operator",
		Scopes:     []string{"chat"},
		SignedAtMs: payload.SignedAt,
	}), "gateway-side verification of the signed payload must pass")

	approveConnect(t, gc, id, map[string]any{
		"protocol": 2,
		"auth":     map[string]any{"deviceToken": "minted-token"},
	})

	select {
	case hello := <-helloed:
		assert.Equal(t, 2, hello.Protocol)
		require.NotNil(t, hello.Auth)
		assert.Equal(t, "minted-token", hello.Auth.DeviceToken)
	case <-time.After(testTimeout):
		t.Fatal("OnHello never fired")
	}
	assert.Equal(t, StateOpen, l.State())

	// The minted token is persisted for the next connection.
	rec, ok, err := opts.Tokens.Load(dev.DeviceID, "operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "minted-token", rec.Token)
}

func TestChallengeNonceIsSignedIntoRetry(t *testing.T) {
	g := newFakeGateway(t)

	idStore := identity.NewStore(t.TempDir(), quietLogger())
	dev, err := idStore.Load()
	require.NoError(t, err)

	opts := testOptions(g)
	opts.Identity = dev

	l := New(opts)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	gc := g.accept(t)
	firstID, _ := acceptConnect(t, gc)

	gc.send(t, map[string]any{
		"type":    "event",
		"event":   "connect.challenge",
		"payload": map[string]any{"nonce": "one-time-nonce"},
	})

	// A second connect request arrives with the nonce folded in.
	retryID, params := acceptConnect(t, gc)
	assert.NotEqual(t, firstID, retryID)

	deviceRaw, err := json.Marshal(params["device"])
	require.NoError(t, err)
	var payload identity.DevicePayload
	require.NoError(t, json.Unmarshal(deviceRaw, &payload))
	assert.Equal(t, "one-time-nonce", payload.Nonce)

	assert.True(t, identity.VerifyDevicePayload(&payload, identity.SignRequest{
		DeviceID:   dev.DeviceID,
		ClientID:   "test-client",
		ClientMode: "cli",
		Role:       "operator",
		Scopes:     []string{"chat"},
		SignedAtMs: payload.SignedAt,
		Nonce:      "one-time-nonce",
	}))

	// A replayed challenge is ignored: no third connect request.
	gc.send(t, map[string]any{
		"type":    "event",
		"event":   "connect.challenge",
		"payload": map[string]any{"nonce": "replayed"},
	})

	approveConnect(t, gc, retryID, nil)
	require.Eventually(t, func() bool { return l.State() == StateOpen },
		testTimeout, 10*time.Millisecond)

	select {
	case frame := <-gc.frames:
		t.Fatalf("unexpected extra frame after replayed challenge: %v", frame)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRequestsResolveOutOfOrder(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	type result struct {
		payload json.RawMessage
		err     error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	go func() {
		p, err := l.Request(ctx, "sessions.list", nil)
		resA <- result{p, err}
	}()
	frameA := gc.next(t)
	require.Equal(t, "sessions.list", frameA["method"])

	go func() {
		p, err := l.Request(ctx, "config.get", map[string]string{"key": "theme"})
		resB <- result{p, err}
	}()
	frameB := gc.next(t)
	require.Equal(t, "config.get", frameB["method"])

	// Answer B first, then A. Each caller must still get its own payload.
	gc.send(t, map[string]any{
		"type": "res", "id": frameB["id"], "ok": true,
		"payload": map[string]any{"which": "b"},
	})
	gc.send(t, map[string]any{
		"type": "res", "id": frameA["id"], "ok": true,
		"payload": map[string]any{"which": "a"},
	})

	b := <-resB
	require.NoError(t, b.err)
	assert.JSONEq(t, `{"which":"b"}`, string(b.payload))

	a := <-resA
	require.NoError(t, a.err)
	assert.JSONEq(t, `{"which":"a"}`, string(a.payload))
}

func TestRequestFailsWhenNotOpen(t *testing.T) {
	g := newFakeGateway(t)
	l := New(testOptions(g))
	t.Cleanup(l.Stop)

	_, err := l.Request(context.Background(), "sessions.list", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRemoteErrorSurfacesMessage(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := l.Request(ctx, "sessions.kill", nil)
		done <- err
	}()
	frame := gc.next(t)
	gc.send(t, map[string]any{
		"type": "res", "id": frame["id"], "ok": false,
		"error": map[string]any{"message": "no such session"},
	})

	err := <-done
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such session", remote.Message)
}

func TestEventSequenceGapDetection(t *testing.T) {
	g := newFakeGateway(t)

	opts := testOptions(g)
	type gap struct{ expected, received int64 }
	gaps := make(chan gap, 4)
	events := make(chan Event, 16)
	opts.OnGap = func(expected, received int64) { gaps <- gap{expected, received} }
	opts.OnEvent = func(evt Event) { events <- evt }

	_, gc := openLink(t, g, opts)

	sendSeq := func(seq int64) {
		gc.send(t, map[string]any{
			"type": "event", "event": "chat.message", "seq": seq,
			"payload": map[string]any{"n": seq},
		})
	}

	// 5 establishes the baseline, 6 is contiguous: no gap yet.
	sendSeq(5)
	sendSeq(6)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			assert.Equal(t, "chat.message", evt.Event)
		case <-time.After(testTimeout):
			t.Fatal("event never delivered")
		}
	}
	select {
	case got := <-gaps:
		t.Fatalf("unexpected gap %+v for contiguous sequence", got)
	default:
	}

	// 6 -> 8 skips 7.
	sendSeq(8)
	select {
	case got := <-gaps:
		assert.Equal(t, int64(7), got.expected)
		assert.Equal(t, int64(8), got.received)
	case <-time.After(testTimeout):
		t.Fatal("gap never reported")
	}

	// The event itself is still delivered after the gap fires.
	select {
	case evt := <-events:
		assert.Equal(t, int64(8), evt.Seq)
	case <-time.After(testTimeout):
		t.Fatal("post-gap event never delivered")
	}

	// Events without a sequence number never touch the detector.
	gc.send(t, map[string]any{"type": "event", "event": "presence.update"})
	select {
	case evt := <-events:
		assert.Equal(t, "presence.update", evt.Event)
		assert.Zero(t, evt.Seq)
	case <-time.After(testTimeout):
		t.Fatal("unsequenced event never delivered")
	}
	select {
	case got := <-gaps:
		t.Fatalf("unsequenced event produced gap %+v", got)
	default:
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	gc.sendRaw(t, "this is not json{{{")

	// The link survives and keeps serving requests.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := l.Request(ctx, "ping", nil)
		done <- err
	}()
	frame := gc.next(t)
	gc.send(t, map[string]any{"type": "res", "id": frame["id"], "ok": true})
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, l.State())
}

func TestUnknownResponseIDIsIgnored(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	gc.send(t, map[string]any{"type": "res", "id": "never-sent", "ok": true})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := l.Request(ctx, "ping", nil)
		done <- err
	}()
	frame := gc.next(t)
	gc.send(t, map[string]any{"type": "res", "id": frame["id"], "ok": true})
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, l.State())
}

func TestPendingRequestsRejectedOnDisconnect(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	done := make(chan error, 1)
	go func() {
		_, err := l.Request(context.Background(), "sessions.list", nil)
		done <- err
	}()
	gc.next(t)

	require.NoError(t, gc.conn.Close(websocket.StatusGoingAway, "gateway restarting"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLinkClosed)
	case <-time.After(testTimeout):
		t.Fatal("pending request never rejected")
	}
	assert.ErrorIs(t, func() error {
		_, err := l.Request(context.Background(), "ping", nil)
		return err
	}(), ErrNotOpen)
}

func TestReconnectAfterDropAndStopIsTerminal(t *testing.T) {
	g := newFakeGateway(t)
	l, gc := openLink(t, g, testOptions(g))

	require.NoError(t, gc.conn.Close(websocket.StatusGoingAway, "gateway restarting"))

	// The link redials and hands us a fresh handshake.
	gc2 := g.accept(t)
	id, _ := acceptConnect(t, gc2)
	approveConnect(t, gc2, id, nil)
	require.Eventually(t, func() bool { return l.State() == StateOpen },
		testTimeout, 10*time.Millisecond)

	l.Stop()
	assert.Equal(t, StateClosed, l.State())

	// No further dial attempts after Stop.
	select {
	case <-g.conns:
		t.Fatal("link redialed after Stop")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandshakeRejectionRevokesToken(t *testing.T) {
	g := newFakeGateway(t)

	idStore := identity.NewStore(t.TempDir(), quietLogger())
	dev, err := idStore.Load()
	require.NoError(t, err)

	tokens := identity.NewTokenStore(t.TempDir(), quietLogger())
	require.NoError(t, tokens.Save(dev.DeviceID, "operator", "stale-token", nil))

	opts := testOptions(g)
	opts.Identity = dev
	opts.Tokens = tokens

	l := New(opts)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	gc := g.accept(t)
	id, params := acceptConnect(t, gc)

	// The stored token rode along speculatively.
	auth, _ := params["auth"].(map[string]any)
	require.NotNil(t, auth)
	assert.Equal(t, "stale-token", auth["token"])

	gc.send(t, map[string]any{
		"type": "res", "id": id, "ok": false,
		"error": map[string]any{"message": "device not enrolled"},
	})

	// The link revokes the token it presented and closes with the
	// policy-violation code.
	assert.Equal(t, websocket.StatusPolicyViolation, gc.closeStatus(t))
	require.Eventually(t, func() bool {
		_, ok, err := tokens.Load(dev.DeviceID, "operator")
		return err == nil && !ok
	}, testTimeout, 10*time.Millisecond)
}

func TestSequenceCounterResetsPerConnection(t *testing.T) {
	g := newFakeGateway(t)

	opts := testOptions(g)
	type gap struct{ expected, received int64 }
	gaps := make(chan gap, 4)
	events := make(chan Event, 16)
	opts.OnGap = func(expected, received int64) { gaps <- gap{expected, received} }
	opts.OnEvent = func(evt Event) { events <- evt }

	l, gc := openLink(t, g, opts)

	gc.send(t, map[string]any{"type": "event", "event": "chat.message", "seq": 100})
	<-events

	require.NoError(t, gc.conn.Close(websocket.StatusGoingAway, "restart"))

	gc2 := g.accept(t)
	id, _ := acceptConnect(t, gc2)
	approveConnect(t, gc2, id, nil)
	require.Eventually(t, func() bool { return l.State() == StateOpen },
		testTimeout, 10*time.Millisecond)

	// Sequence 3 on the new connection is a fresh baseline, not a
	// regression from 100.
	gc2.send(t, map[string]any{"type": "event", "event": "chat.message", "seq": 3})
	select {
	case evt := <-events:
		assert.Equal(t, int64(3), evt.Seq)
	case <-time.After(testTimeout):
		t.Fatal("event after reconnect never delivered")
	}
	select {
	case got := <-gaps:
		t.Fatalf("baseline on new connection produced gap %+v", got)
	default:
	}
}

func TestBackoffPolicyShape(t *testing.T) {
	p := newBackoffPolicy(800*time.Millisecond, 15*time.Second)

	first := p.NextBackOff()
	assert.Equal(t, 800*time.Millisecond, first)

	second := p.NextBackOff()
	assert.InDelta(t, float64(first)*1.7, float64(second), float64(time.Millisecond))

	third := p.NextBackOff()
	assert.InDelta(t, float64(second)*1.7, float64(third), float64(time.Millisecond))

	// Growth saturates at the ceiling.
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = p.NextBackOff()
	}
	assert.Equal(t, 15*time.Second, last)

	// A successful handshake resets the delay to the floor.
	p.Reset()
	assert.Equal(t, 800*time.Millisecond, p.NextBackOff())
}
