// Package capability implements the local device capabilities the node
// session exposes to the gateway: screen capture, media control, and
// notifications. Handlers return structured results; they never panic.
package capability

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/png"

	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

// Screen captures local displays.
type Screen struct {
	log zerolog.Logger
}

func NewScreen(log zerolog.Logger) *Screen {
	return &Screen{log: log.With().Str("component", "screen").Logger()}
}

type snapshotParams struct {
	Display int `json:"display"`
}

type snapshotResult struct {
	Format  string `json:"format"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Display int    `json:"display"`
	Data    string `json:"data"` // base64 PNG
}

// Snapshot captures one display and returns it as base64 PNG. It is
// read-only and deliberately allowed while backgrounded.
func (s *Screen) Snapshot(params json.RawMessage) gateway.InvokeResult {
	var p snapshotParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad snapshot params: %v", err)
		}
	}

	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no active displays")
	}
	if p.Display < 0 || p.Display >= n {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "display %d out of range (have %d)", p.Display, n)
	}

	bounds := screenshot.GetDisplayBounds(p.Display)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "capture failed: %v", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "encode failed: %v", err)
	}

	s.log.Debug().Int("display", p.Display).Int("bytes", buf.Len()).Msg("snapshot captured")
	return gateway.OK(snapshotResult{
		Format:  "png",
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Display: p.Display,
		Data:    base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// Record is advertised for forward compatibility but not implemented on this
// host.
func (s *Screen) Record(json.RawMessage) gateway.InvokeResult {
	return gateway.Fail(gateway.ErrCodeUnavailable, "screen recording is not supported on this host")
}

// RequestPermission reports whether capture is allowed. Desktop capture needs
// no runtime grant, so the answer is yes whenever a display is attached.
func (s *Screen) RequestPermission(json.RawMessage) gateway.InvokeResult {
	if screenshot.NumActiveDisplays() == 0 {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no active displays")
	}
	return gateway.OK(map[string]bool{"granted": true})
}
