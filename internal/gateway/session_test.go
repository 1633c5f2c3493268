package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/discovery"
	"github.com/roostd/roost/internal/identity"
	"github.com/roostd/roost/internal/trust"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeGateway is a loopback server speaking just enough of the protocol to
// exercise the session: challenge, connect response, then a scripted body.
type fakeGateway struct {
	t          *testing.T
	rejectAuth bool
	// body runs after a successful handshake with the live connection.
	body func(c *websocket.Conn)

	mu       sync.Mutex
	connects []Frame
}

func (g *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	c, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	challenge := Frame{
		Type:    FrameTypeEvent,
		Event:   EventConnectChallenge,
		Payload: json.RawMessage(`{"nonce":"n-1","ts":100}`),
	}
	if err := c.WriteJSON(challenge); err != nil {
		return
	}

	var f Frame
	if err := c.ReadJSON(&f); err != nil {
		return
	}
	g.mu.Lock()
	g.connects = append(g.connects, f)
	g.mu.Unlock()

	if f.Type != FrameTypeRequest || f.Method != "connect" {
		return
	}

	if g.rejectAuth {
		ok := false
		_ = c.WriteJSON(Frame{
			Type:  FrameTypeResponse,
			ID:    f.ID,
			OK:    &ok,
			Error: &ErrorShape{Code: "NOT_AUTHORIZED", Message: "bad token"},
		})
		return
	}

	hello, _ := json.Marshal(helloOK{
		Protocol: ProtocolVersion,
		Server:   serverInfo{Name: "loopgw", Version: "1.2.3", ConnID: "conn-1"},
		Snapshot: &snapshot{MainSessionKey: "main"},
	})
	ok := true
	if err := c.WriteJSON(Frame{Type: FrameTypeResponse, ID: f.ID, OK: &ok, Payload: hello}); err != nil {
		return
	}

	if g.body != nil {
		g.body(c)
	} else {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (g *fakeGateway) lastConnect(t *testing.T) Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.connects) == 0 {
		t.Fatal("no connect frame recorded")
	}
	return g.connects[len(g.connects)-1]
}

func startGateway(t *testing.T, g *fakeGateway) (*httptest.Server, discovery.Endpoint) {
	t.Helper()
	g.t = t
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	t.Cleanup(srv.Close)
	return srv, endpointFor(t, srv, false)
}

func endpointFor(t *testing.T, srv *httptest.Server, useTLS bool) discovery.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return discovery.Manual(host, port, useTLS)
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	ident, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}
	return ident
}

func testConnectRequest(ep discovery.Endpoint) ConnectRequest {
	return ConnectRequest{
		Endpoint: ep,
		Token:    "tok-1",
		Options: ConnectOptions{
			Role:   RoleOperator,
			Scopes: []string{"operator"},
			Client: ClientInfo{ID: "roost", Version: "0.1.0", Platform: "linux", Mode: "operator"},
		},
	}
}

func TestConnectHandshakeSignsChallenge(t *testing.T) {
	gw := &fakeGateway{}
	_, ep := startGateway(t, gw)
	ident := testIdentity(t)

	var gotInfo ConnectedInfo
	connected := make(chan struct{})
	sess := NewSession(RoleOperator, ident, zerolog.Nop(), Hooks{
		OnConnected: func(info ConnectedInfo) {
			gotInfo = info
			close(connected)
		},
	})
	defer sess.Disconnect()

	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	if gotInfo.ServerVersion != "1.2.3" || gotInfo.ConnID != "conn-1" {
		t.Fatalf("unexpected connected info: %+v", gotInfo)
	}
	if gotInfo.MainSessionKey != "main" {
		t.Fatalf("missing session key: %+v", gotInfo)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}

	// The connect frame must carry a device block whose signature verifies
	// against the advertised public key over the canonical payload.
	var params connectParams
	if err := json.Unmarshal(gw.lastConnect(t).Params, &params); err != nil {
		t.Fatalf("unmarshal connect params: %v", err)
	}
	if params.MinProtocol != ProtocolVersion || params.MaxProtocol != ProtocolVersion {
		t.Fatalf("bad protocol range: %d..%d", params.MinProtocol, params.MaxProtocol)
	}
	if params.Device == nil {
		t.Fatal("connect params missing device block")
	}
	if params.Device.Nonce != "n-1" {
		t.Fatalf("device nonce = %q, want n-1", params.Device.Nonce)
	}
	pub, err := base64.RawURLEncoding.DecodeString(params.Device.PublicKey)
	if err != nil {
		t.Fatalf("decoding public key: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(params.Device.Signature)
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	payload := signaturePayload(
		params.Device.ID, params.Client.ID, params.Client.Mode, params.Role,
		params.Scopes, params.Device.SignedAt, params.Auth.Token, params.Device.Nonce,
	)
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		t.Fatal("device signature does not verify")
	}
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	// The gateway answers the two in-flight requests in reverse order; each
	// caller must still receive the response with its own correlation id.
	gw := &fakeGateway{}
	gw.body = func(c *websocket.Conn) {
		var reqs []Frame
		for len(reqs) < 2 {
			var f Frame
			if err := c.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == FrameTypeRequest {
				reqs = append(reqs, f)
			}
		}
		ok := true
		for i := len(reqs) - 1; i >= 0; i-- {
			payload, _ := json.Marshal(map[string]string{"method": reqs[i].Method})
			_ = c.WriteJSON(Frame{Type: FrameTypeResponse, ID: reqs[i].ID, OK: &ok, Payload: payload})
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
	_, ep := startGateway(t, gw)

	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			payload, err := sess.Request(method, nil, 3*time.Second)
			if err != nil {
				errCh <- fmt.Errorf("%s: %v", method, err)
				return
			}
			var got map[string]string
			if err := json.Unmarshal(payload, &got); err != nil {
				errCh <- fmt.Errorf("%s: %v", method, err)
				return
			}
			if got["method"] != method {
				errCh <- fmt.Errorf("%s got response for %q", method, got["method"])
			}
		}(method)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{}
	gw.body = func(c *websocket.Conn) {
		var f Frame
		if err := c.ReadJSON(&f); err != nil {
			return
		}
		<-release
		ok := true
		_ = c.WriteJSON(Frame{Type: FrameTypeResponse, ID: f.ID, OK: &ok})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
	_, ep := startGateway(t, gw)

	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := sess.Request("slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Let the late response land; it must be dropped without disturbing the
	// session or any later request.
	close(release)
	time.Sleep(100 * time.Millisecond)
	if sess.State() != StateConnected {
		t.Fatalf("state = %s after late response, want connected", sess.State())
	}
}

func TestDisconnectCancelsPendingRequests(t *testing.T) {
	gw := &fakeGateway{} // default body never responds
	_, ep := startGateway(t, gw)

	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 3
	errCh := make(chan error, n)
	var started sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		go func(i int) {
			started.Done()
			_, err := sess.Request(fmt.Sprintf("hang-%d", i), nil, 10*time.Second)
			errCh <- err
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let the requests register

	sess.Disconnect()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrSessionClosed) {
				t.Fatalf("pending rpc err = %v, want ErrSessionClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending rpc not cancelled by disconnect")
		}
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", sess.State())
	}
}

func TestRequestWhileDisconnectedFailsFast(t *testing.T) {
	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	if _, err := sess.Request("ping", nil, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAuthRejectionIsFatal(t *testing.T) {
	gw := &fakeGateway{rejectAuth: true}
	_, ep := startGateway(t, gw)

	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	defer sess.Disconnect()

	err := sess.Connect(context.Background(), testConnectRequest(ep))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", sess.State())
	}

	// Auth failures must not spin the reconnect loop.
	time.Sleep(100 * time.Millisecond)
	if got := sess.backoff.Attempts(); got != 0 {
		t.Fatalf("backoff attempts = %d, want 0 after auth failure", got)
	}
}

func TestInvokeDispatchRepliesWithCorrelationID(t *testing.T) {
	results := make(chan Frame, 1)
	gw := &fakeGateway{}
	gw.body = func(c *websocket.Conn) {
		inv := Frame{
			Type:    FrameTypeInvoke,
			ID:      "inv-1",
			Command: "canvas.reset",
			Params:  json.RawMessage(`{}`),
		}
		if err := c.WriteJSON(inv); err != nil {
			return
		}
		var f Frame
		if err := c.ReadJSON(&f); err != nil {
			return
		}
		results <- f
	}
	_, ep := startGateway(t, gw)

	sess := NewSession(RoleNode, testIdentity(t), zerolog.Nop(), Hooks{
		OnInvoke: func(req InvokeRequest) InvokeResult {
			if req.Command != "canvas.reset" {
				return Fail(ErrCodeInvalidRequest, "unexpected command %s", req.Command)
			}
			return OK(map[string]bool{"reset": true})
		},
	})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case reply := <-results:
		if reply.Type != FrameTypeInvokeResult || reply.ID != "inv-1" {
			t.Fatalf("bad invoke reply: %+v", reply)
		}
		if reply.OK == nil || !*reply.OK {
			t.Fatalf("invoke reply not ok: %+v", reply.Error)
		}
		var payload map[string]bool
		if err := json.Unmarshal(reply.Payload, &payload); err != nil || !payload["reset"] {
			t.Fatalf("bad invoke payload: %s", reply.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no invoke reply received")
	}
}

func TestEventsDeliveredInArrivalOrder(t *testing.T) {
	gw := &fakeGateway{}
	gw.body = func(c *websocket.Conn) {
		for i := 0; i < 5; i++ {
			payload, _ := json.Marshal(map[string]int{"seq": i})
			if err := c.WriteJSON(Frame{Type: FrameTypeEvent, Event: "tick", Payload: payload}); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
	_, ep := startGateway(t, gw)

	got := make(chan int, 5)
	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{
		OnEvent: func(name string, payload json.RawMessage) {
			if name != "tick" {
				return
			}
			var p map[string]int
			_ = json.Unmarshal(payload, &p)
			got <- p["seq"]
		},
	})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for want := 0; want < 5; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("event order broken: got %d want %d", seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", want)
		}
	}
}

func TestTOFUFingerprintReported(t *testing.T) {
	gw := &fakeGateway{}
	gw.t = t
	srv := httptest.NewTLSServer(http.HandlerFunc(gw.handler))
	t.Cleanup(srv.Close)
	ep := endpointFor(t, srv, true)

	wantFP := Fingerprint(srv.Certificate().Raw)

	fpCh := make(chan string, 1)
	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{
		OnTLSFingerprint: func(stableID, fp string) {
			if stableID != ep.StableID {
				t.Errorf("stable id = %q, want %q", stableID, ep.StableID)
			}
			fpCh <- fp
		},
	})
	defer sess.Disconnect()

	req := testConnectRequest(ep)
	req.TLS = trust.Resolve(ep, "")
	if req.TLS == nil || !req.TLS.AllowTOFU {
		t.Fatalf("expected TOFU-eligible TLS params, got %+v", req.TLS)
	}
	if err := sess.Connect(context.Background(), req); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case fp := <-fpCh:
		if fp != wantFP {
			t.Fatalf("fingerprint = %s, want %s", fp, wantFP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnTLSFingerprint never fired")
	}
}

func TestPinnedFingerprintMismatchFailsConnect(t *testing.T) {
	gw := &fakeGateway{}
	gw.t = t
	srv := httptest.NewTLSServer(http.HandlerFunc(gw.handler))
	t.Cleanup(srv.Close)
	ep := endpointFor(t, srv, true)

	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{})
	defer sess.Disconnect()

	req := testConnectRequest(ep)
	req.TLS = trust.Resolve(ep, "0000000000000000000000000000000000000000000000000000000000000000")
	err := sess.Connect(context.Background(), req)
	if !errors.Is(err, ErrTLSMismatch) {
		t.Fatalf("err = %v, want ErrTLSMismatch", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var bodies atomic.Int32
	gw := &fakeGateway{}
	gw.body = func(c *websocket.Conn) {
		if bodies.Add(1) == 1 {
			c.Close() // simulate gateway restart right after handshake
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}
	_, ep := startGateway(t, gw)

	connects := make(chan struct{}, 4)
	sess := NewSession(RoleOperator, testIdentity(t), zerolog.Nop(), Hooks{
		OnConnected: func(ConnectedInfo) { connects <- struct{}{} },
	})
	sess.backoff = &Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2}
	defer sess.Disconnect()

	if err := sess.Connect(context.Background(), testConnectRequest(ep)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connects

	// First body closes immediately; the session must come back on its own.
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reconnect after drop")
	}
}
