package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roostd/roost/internal/trust"
)

// ErrTLSMismatch means the live certificate did not match the pinned or
// advertised fingerprint. Hard failure; never downgraded.
var ErrTLSMismatch = errors.New("tls certificate fingerprint mismatch")

const (
	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 4 * 1024 * 1024 // 4 MB
	pingInterval     = 15 * time.Second
	pongWait         = 45 * time.Second
)

// wsConn wraps a gorilla WebSocket connection with mutex-guarded writes and
// JSON frame helpers.
type wsConn struct {
	c      *websocket.Conn
	mu     sync.Mutex // guards writes
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameSize)
	c.SetPongHandler(func(string) error {
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &wsConn{c: c}
}

// readFrame reads and decodes the next frame. Transport errors end the
// connection; undecodable payloads are returned as (nil, nil) so the caller
// can log and skip them.
func (wc *wsConn) readFrame() (*Frame, error) {
	_, data, err := wc.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	return &f, nil
}

// send marshals f and writes it as a text message.
func (wc *wsConn) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return errors.New("connection closed")
	}
	return wc.c.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
		_ = wc.c.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = wc.c.Close()
	}
}

// startPing keeps the connection alive until ctx is done.
func (wc *wsConn) startPing(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				wc.mu.Lock()
				if wc.closed {
					wc.mu.Unlock()
					return
				}
				_ = wc.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				wc.mu.Unlock()
			}
		}
	}()
}

// dial establishes the WebSocket transport, verifying the certificate
// fingerprint against tlsParams when TLS is required. It returns the live
// connection and, for TLS connections, the observed sha256 fingerprint.
func dial(ctx context.Context, addr string, tlsParams *trust.TLSParams) (*wsConn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	scheme := "ws"
	var observed observedFingerprint
	if tlsParams != nil {
		scheme = "wss"
		// Verification is fingerprint-based: the gateway uses a self-signed
		// certificate, so chain validation is replaced by an exact sha256
		// match (or TOFU capture on first contact).
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: observed.verify(tlsParams.ExpectedFingerprint),
		}
	}

	c, resp, err := dialer.DialContext(ctx, scheme+"://"+addr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, ErrTLSMismatch) || observed.mismatch {
			return nil, "", fmt.Errorf("%w: got %s", ErrTLSMismatch, observed.fingerprint)
		}
		return nil, "", fmt.Errorf("dial %s: %w", addr, err)
	}
	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		c.Close()
		return nil, "", ErrAuthFailed
	}

	return newWSConn(c), observed.fingerprint, nil
}

// observedFingerprint captures the leaf certificate fingerprint seen during
// the TLS handshake so TOFU acceptance can report it back for pinning.
type observedFingerprint struct {
	fingerprint string
	mismatch    bool
}

func (o *observedFingerprint) verify(expected string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate presented")
		}
		sum := sha256.Sum256(rawCerts[0])
		o.fingerprint = hex.EncodeToString(sum[:])
		if expected != "" && o.fingerprint != expected {
			o.mismatch = true
			return ErrTLSMismatch
		}
		return nil
	}
}

// Fingerprint computes the sha256 hex fingerprint of a DER certificate.
// Exposed for tests and for tooling that prints the pin of a local gateway.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
