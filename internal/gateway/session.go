// Package gateway implements one logical client connection to the gateway:
// lifecycle state machine, signed device handshake, RPC correlation, event
// and invoke dispatch, and bounded-backoff reconnection.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/discovery"
	"github.com/roostd/roost/internal/identity"
	"github.com/roostd/roost/internal/trust"
)

// Role distinguishes the two logical connections a client holds.
type Role string

const (
	// RoleOperator carries chat and control RPCs.
	RoleOperator Role = "operator"
	// RoleNode receives device-capability invoke commands.
	RoleNode Role = "node"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout means an RPC exceeded its deadline.
	ErrTimeout = errors.New("rpc timed out")
	// ErrSessionClosed cancels pending RPCs when Disconnect is called.
	ErrSessionClosed = errors.New("session closed")
	// ErrConnectionLost cancels pending RPCs on an unexpected drop.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned for RPCs issued while disconnected.
	ErrNotConnected = errors.New("session not connected")
	// ErrAuthFailed means the gateway rejected the handshake. Fatal for the
	// attempt; never auto-retried.
	ErrAuthFailed = errors.New("gateway rejected authentication")
)

const connectTimeout = 15 * time.Second

// ConnectedInfo is passed to OnConnected after a successful handshake.
type ConnectedInfo struct {
	ServerName     string
	ServerVersion  string
	RemoteAddr     string
	ConnID         string
	MainSessionKey string
	DeviceToken    string
}

// Hooks are the session's outbound callbacks. Event and invoke hooks are
// always called from a single dispatch goroutine in frame arrival order, so
// implementations may be re-entrant into Request without deadlocking but must
// not block forever. Nil hooks are skipped.
type Hooks struct {
	OnConnected    func(info ConnectedInfo)
	OnDisconnected func(reason error)
	OnEvent        func(name string, payload json.RawMessage)
	OnInvoke       func(req InvokeRequest) InvokeResult
	// OnTLSFingerprint fires once after a TOFU-accepted connection so the
	// caller can pin the observed fingerprint. It fires before OnConnected.
	OnTLSFingerprint func(stableID, fingerprint string)
}

// ConnectRequest carries everything one connect attempt needs. It is retained
// for reconnects until superseded by the next Connect call.
type ConnectRequest struct {
	Endpoint discovery.Endpoint
	Token    string
	Password string
	Options  ConnectOptions
	TLS      *trust.TLSParams
}

type rpcOutcome struct {
	frame Frame
	err   error
}

// Session is one logical gateway connection for one role. Exactly one
// instance exists per role; reconnection mutates state in place.
type Session struct {
	role    Role
	ident   *identity.Identity
	log     zerolog.Logger
	hooks   Hooks
	backoff *Backoff

	mu               sync.Mutex
	state            State
	conn             *wsConn
	gen              uint64 // bumped on every connect/teardown; stale loops check it
	params           *ConnectRequest
	endpoint         *discovery.Endpoint
	pending          map[string]chan rpcOutcome
	runCtx           context.Context
	runCancel        context.CancelFunc
	reconnectPending bool
}

// NewSession builds a session for role. Hooks may be partially nil.
func NewSession(role Role, ident *identity.Identity, log zerolog.Logger, hooks Hooks) *Session {
	return &Session{
		role:    role,
		ident:   ident,
		log:     log.With().Str("component", "gateway").Str("role", string(role)).Logger(),
		hooks:   hooks,
		backoff: DefaultBackoff(),
		pending: make(map[string]chan rpcOutcome),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedEndpoint returns the endpoint of the live connection, if any.
func (s *Session) ConnectedEndpoint() *discovery.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.endpoint == nil {
		return nil
	}
	ep := *s.endpoint
	return &ep
}

// Connect tears down any existing transport, stores the parameters for later
// reconnects, and runs one connect attempt. Non-fatal failures schedule
// background reconnection; TLS mismatch and auth failures do not.
func (s *Session) Connect(ctx context.Context, req ConnectRequest) error {
	s.teardown(ErrSessionClosed, false)

	s.mu.Lock()
	s.params = &req
	s.state = StateConnecting
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	runCtx := s.runCtx
	s.mu.Unlock()

	err := s.attempt(ctx, runCtx, &req)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(err)
	}
	if !isFatalConnectError(err) {
		s.scheduleReconnect(runCtx)
	}
	return err
}

// Reconnect re-attempts the connection with the last-provided parameters.
// No-op when already connected; coalesces with an attempt already in flight.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	if s.params == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	if s.runCtx == nil || s.runCtx.Err() != nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.scheduleReconnect(runCtx)
	return nil
}

// Disconnect cancels any in-flight attempt, closes the transport, and cancels
// all pending RPCs with ErrSessionClosed. No events fire for this session
// after Disconnect returns until a new Connect.
func (s *Session) Disconnect() {
	s.teardown(ErrSessionClosed, true)
}

func (s *Session) teardown(reason error, notify bool) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
		s.runCtx = nil
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	s.endpoint = nil
	wasActive := s.state != StateDisconnected
	s.state = StateDisconnected
	s.failPendingLocked(reason)
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	if notify && wasActive && s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(reason)
	}
}

func (s *Session) failPendingLocked(reason error) {
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- rpcOutcome{err: reason}
	}
}

// Request sends an RPC and waits for the response matching its correlation
// id, regardless of arrival order relative to other RPCs. It is safe to call
// concurrently. The waiter resolves exactly once: a response arriving after
// the deadline is dropped, and Disconnect fails it with ErrSessionClosed.
func (s *Session) Request(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	conn := s.conn
	id := uuid.NewString()
	ch := make(chan rpcOutcome, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			s.dropPending(id)
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	if err := conn.send(Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return decodeResponse(method, out)
	case <-timer.C:
		if !s.dropPending(id) {
			// The response was routed between the timer firing and the
			// deadline branch winning the select; deliver it.
			select {
			case out := <-ch:
				return decodeResponse(method, out)
			default:
			}
		}
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	}
}

// dropPending removes a waiter; reports whether it was still registered.
func (s *Session) dropPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		return true
	}
	return false
}

func decodeResponse(method string, out rpcOutcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, fmt.Errorf("%s: %w", method, out.err)
	}
	f := out.frame
	if f.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, f.Error)
	}
	if f.OK != nil && !*f.OK {
		return nil, fmt.Errorf("%s: request failed", method)
	}
	return f.Payload, nil
}

// --- connect attempt ---

func (s *Session) attempt(dialCtx, runCtx context.Context, req *ConnectRequest) error {
	ctx, cancel := context.WithTimeout(dialCtx, connectTimeout)
	defer cancel()

	conn, observedFP, err := dial(ctx, req.Endpoint.Addr(), req.TLS)
	if err != nil {
		return err
	}

	hello, err := s.handshake(ctx, conn, req)
	if err != nil {
		conn.close()
		return err
	}

	s.mu.Lock()
	if runCtx.Err() != nil {
		// Disconnect raced the attempt; do not surface success callbacks.
		s.mu.Unlock()
		conn.close()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	ep := req.Endpoint
	s.endpoint = &ep
	s.state = StateConnected
	s.backoff.Reset()
	s.mu.Unlock()

	if req.TLS != nil && req.TLS.AllowTOFU && req.TLS.ExpectedFingerprint == "" &&
		observedFP != "" && s.hooks.OnTLSFingerprint != nil {
		s.hooks.OnTLSFingerprint(req.TLS.StableID, observedFP)
	}

	dispatchCh := make(chan Frame, 64)
	go s.dispatchLoop(gen, conn, dispatchCh)
	go s.readLoop(runCtx, gen, conn, dispatchCh)
	conn.startPing(runCtx, pingInterval)

	s.log.Info().
		Str("endpoint", req.Endpoint.Addr()).
		Str("server", hello.Server.Version).
		Str("connId", hello.Server.ConnID).
		Msg("connected")

	if s.hooks.OnConnected != nil {
		info := ConnectedInfo{
			ServerName:    hello.Server.Name,
			ServerVersion: hello.Server.Version,
			RemoteAddr:    req.Endpoint.Addr(),
			ConnID:        hello.Server.ConnID,
		}
		if hello.Snapshot != nil {
			info.MainSessionKey = hello.Snapshot.MainSessionKey
		}
		if hello.Auth != nil {
			info.DeviceToken = hello.Auth.DeviceToken
		}
		s.hooks.OnConnected(info)
	}
	return nil
}

// handshake runs the challenge/connect exchange on a fresh transport.
func (s *Session) handshake(ctx context.Context, conn *wsConn, req *ConnectRequest) (*helloOK, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.c.SetReadDeadline(deadline)
	defer conn.c.SetReadDeadline(time.Time{})

	// The gateway speaks first: wait for connect.challenge, tolerating any
	// other events that slip in ahead of it.
	var nonce string
	for {
		f, err := conn.readFrame()
		if err != nil {
			return nil, fmt.Errorf("reading challenge: %w", err)
		}
		if f == nil || f.Type != FrameTypeEvent {
			continue
		}
		if f.Event != EventConnectChallenge {
			continue
		}
		var ch challengePayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &ch); err != nil {
				return nil, fmt.Errorf("parsing challenge: %w", err)
			}
		}
		nonce = ch.Nonce
		break
	}

	params := s.buildConnectParams(req, nonce)
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal connect params: %w", err)
	}

	reqID := uuid.NewString()
	if err := conn.send(Frame{Type: FrameTypeRequest, ID: reqID, Method: "connect", Params: data}); err != nil {
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	for {
		f, err := conn.readFrame()
		if err != nil {
			return nil, fmt.Errorf("reading connect response: %w", err)
		}
		if f == nil || f.Type != FrameTypeResponse || f.ID != reqID {
			continue
		}
		if f.Error != nil || (f.OK != nil && !*f.OK) {
			msg := "connect rejected"
			if f.Error != nil {
				msg = f.Error.Message
				switch f.Error.Code {
				case "NOT_AUTHORIZED", ErrCodeAuthFailed:
					return nil, fmt.Errorf("%w: %s", ErrAuthFailed, msg)
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, msg)
		}
		var hello helloOK
		if err := json.Unmarshal(f.Payload, &hello); err != nil {
			return nil, fmt.Errorf("parsing hello: %w", err)
		}
		return &hello, nil
	}
}

func (s *Session) buildConnectParams(req *ConnectRequest, nonce string) connectParams {
	opts := req.Options
	signedAt := time.Now().UnixMilli()

	params := connectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client:      opts.Client,
		Role:        string(opts.Role),
		Scopes:      opts.Scopes,
		Caps:        opts.Caps,
		Commands:    opts.Commands,
		Permissions: opts.Permissions,
		UserAgent:   opts.UserAgent,
	}
	if req.Token != "" || req.Password != "" {
		params.Auth = &authInfo{Token: req.Token, Password: req.Password}
	}
	if s.ident != nil {
		payload := signaturePayload(
			s.ident.DeviceID, opts.Client.ID, opts.Client.Mode, string(opts.Role),
			opts.Scopes, signedAt, req.Token, nonce,
		)
		if sig := s.ident.Sign(payload); sig != nil {
			params.Device = &devicePayload{
				ID:        s.ident.DeviceID,
				PublicKey: s.ident.PublicKeyToken(),
				Signature: base64.RawURLEncoding.EncodeToString(sig),
				SignedAt:  signedAt,
				Nonce:     nonce,
			}
		}
	}
	return params
}

// --- read and dispatch loops ---

func (s *Session) readLoop(runCtx context.Context, gen uint64, conn *wsConn, dispatchCh chan<- Frame) {
	defer close(dispatchCh)

	for {
		f, err := conn.readFrame()
		if err != nil {
			s.handleDrop(runCtx, gen, err)
			return
		}
		if f == nil {
			// Malformed frames are logged and skipped, never fatal.
			s.log.Warn().Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case FrameTypeResponse:
			s.resolveResponse(*f)
		case FrameTypeEvent, FrameTypeInvoke:
			select {
			case dispatchCh <- *f:
			case <-runCtx.Done():
				return
			}
		default:
			s.log.Warn().Str("type", f.Type).Msg("unknown frame type")
		}
	}
}

func (s *Session) resolveResponse(f Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- rpcOutcome{frame: f}
	}
	// A response with no waiter means the request already timed out; drop it.
}

// dispatchLoop delivers events and invokes in arrival order. Invoke replies
// go back over the same connection the request arrived on.
func (s *Session) dispatchLoop(gen uint64, conn *wsConn, dispatchCh <-chan Frame) {
	for f := range dispatchCh {
		if !s.genLive(gen) {
			return
		}
		switch f.Type {
		case FrameTypeEvent:
			if s.hooks.OnEvent != nil {
				s.hooks.OnEvent(f.Event, f.Payload)
			}
		case FrameTypeInvoke:
			s.handleInvoke(conn, f)
		}
	}
}

func (s *Session) genLive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == StateConnected
}

func (s *Session) handleInvoke(conn *wsConn, f Frame) {
	result := InvokeResult{Err: &ErrorShape{
		Code:    ErrCodeInvalidRequest,
		Message: "no invoke handler registered",
	}}
	if s.hooks.OnInvoke != nil {
		result = s.hooks.OnInvoke(InvokeRequest{ID: f.ID, Command: f.Command, Params: f.Params})
	}

	reply := Frame{Type: FrameTypeInvokeResult, ID: f.ID}
	if result.Err != nil {
		ok := false
		reply.OK = &ok
		reply.Error = result.Err
	} else {
		ok := true
		reply.OK = &ok
		if result.Payload != nil {
			data, err := json.Marshal(result.Payload)
			if err != nil {
				ok = false
				reply.Error = &ErrorShape{Code: ErrCodeUnavailable, Message: "unencodable result payload"}
			} else {
				reply.Payload = data
			}
		}
	}
	if err := conn.send(reply); err != nil {
		s.log.Warn().Err(err).Str("command", f.Command).Msg("invoke reply failed")
	}
}

// handleDrop tears down after an unexpected transport error and schedules
// bounded-backoff reconnection. Stale generations (already superseded by
// Disconnect or a new Connect) are ignored.
func (s *Session) handleDrop(runCtx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	s.endpoint = nil
	s.state = StateDisconnected
	s.failPendingLocked(ErrConnectionLost)
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	if runCtx.Err() != nil {
		return // Disconnect already notified
	}

	s.log.Warn().Err(err).Msg("connection dropped")
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
	s.scheduleReconnect(runCtx)
}

// --- reconnection ---

func (s *Session) scheduleReconnect(runCtx context.Context) {
	s.mu.Lock()
	if s.reconnectPending || runCtx == nil || runCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reconnectPending = true
	s.mu.Unlock()

	go s.reconnectLoop(runCtx)
}

func (s *Session) reconnectLoop(runCtx context.Context) {
	defer func() {
		s.mu.Lock()
		s.reconnectPending = false
		s.mu.Unlock()
	}()

	for {
		delay := s.backoff.Next()
		s.log.Debug().Dur("delay", delay).Msg("reconnect scheduled")

		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.state == StateConnected || s.params == nil {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		params := s.params
		s.mu.Unlock()

		err := s.attempt(runCtx, runCtx, params)
		if err == nil {
			return
		}

		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()

		if isFatalConnectError(err) {
			// TLS mismatch and auth rejection require corrected parameters;
			// spinning on them would hammer a gateway that already said no.
			s.log.Error().Err(err).Msg("reconnect aborted")
			if s.hooks.OnDisconnected != nil {
				s.hooks.OnDisconnected(err)
			}
			return
		}
		s.log.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func isFatalConnectError(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrTLSMismatch)
}
