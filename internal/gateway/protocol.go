package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the gateway session protocol version this client speaks.
const ProtocolVersion = 3

// Frame kinds on the wire. Requests and invokes carry a correlation id;
// events are fire-and-forget.
const (
	FrameTypeRequest      = "req"
	FrameTypeResponse     = "res"
	FrameTypeEvent        = "event"
	FrameTypeInvoke       = "invoke"
	FrameTypeInvokeResult = "invokeResult"
)

// Well-known event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
)

// Error codes form the fixed taxonomy every handler maps into. Nothing else
// crosses the wire as an invoke or RPC error code.
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeBackgroundUnavailable = "BACKGROUND_UNAVAILABLE"
	ErrCodeHostUnavailable       = "HOST_UNAVAILABLE"
	ErrCodeUnavailable           = "UNAVAILABLE"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeTLSMismatch           = "TLS_MISMATCH"
	ErrCodeAuthFailed            = "AUTH_FAILED"
	ErrCodeNotConnected          = "NOT_CONNECTED"
)

// Frame is the wire envelope. Which fields are meaningful depends on Type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Command string          `json:"command,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape is the structured error carried by responses and invoke results.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConnectOptions is the capability/command allowlist a role advertises at
// handshake time. The gateway rejects invokes for commands not listed here.
type ConnectOptions struct {
	Role        Role
	Scopes      []string
	Caps        []string
	Commands    []string
	Permissions map[string]bool
	Client      ClientInfo
	UserAgent   string
}

// ClientInfo identifies the connecting client build.
type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
	Mode            string `json:"mode"`
	InstanceID      string `json:"instanceId,omitempty"`
}

// connectParams is the params of the "connect" request.
type connectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      ClientInfo      `json:"client"`
	Role        string          `json:"role,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	Caps        []string        `json:"caps,omitempty"`
	Commands    []string        `json:"commands,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Auth        *authInfo       `json:"auth,omitempty"`
	Device      *devicePayload  `json:"device,omitempty"`
}

type authInfo struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// devicePayload carries the cryptographic device identity: the raw Ed25519
// public key and a signature over the challenge, both base64url unpadded.
type devicePayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"` // milliseconds since epoch
	Nonce     string `json:"nonce,omitempty"`
}

// challengePayload is the connect.challenge event payload.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// helloOK is the successful connect response payload.
type helloOK struct {
	Protocol int        `json:"protocol"`
	Server   serverInfo `json:"server"`
	Auth     *authGrant `json:"auth,omitempty"`
	Snapshot *snapshot  `json:"snapshot,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

type authGrant struct {
	DeviceToken string `json:"deviceToken,omitempty"`
}

type snapshot struct {
	MainSessionKey string `json:"mainSessionKey,omitempty"`
}

// InvokeRequest is a server-initiated command call. Exactly one reply is
// expected, correlated by ID.
type InvokeRequest struct {
	ID      string
	Command string
	Params  json.RawMessage
}

// InvokeResult is the single reply to an InvokeRequest: a payload on success
// or a structured (code, message) pair on failure, never both.
type InvokeResult struct {
	Payload any
	Err     *ErrorShape
}

// OK builds a successful invoke result.
func OK(payload any) InvokeResult {
	return InvokeResult{Payload: payload}
}

// Fail builds a failed invoke result with one of the taxonomy codes.
func Fail(code, format string, args ...any) InvokeResult {
	return InvokeResult{Err: &ErrorShape{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// signaturePayload builds the canonical byte string the device signs during
// the connect handshake. The gateway reconstructs the same string from the
// connect params plus the nonce it issued.
func signaturePayload(deviceID, clientID, mode, role string, scopes []string, signedAt int64, token, nonce string) []byte {
	fields := []string{
		"v1",
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprint(signedAt),
		token,
		nonce,
	}
	return []byte(strings.Join(fields, "|"))
}
