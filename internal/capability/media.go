package capability

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

// MediaController is the OS media subsystem boundary. Implementations wrap
// whatever player integration the host offers.
type MediaController interface {
	Launch(uri string) error
	Stop() error
}

// Media bridges app.media invokes to an injected MediaController.
type Media struct {
	controller MediaController
	log        zerolog.Logger
}

func NewMedia(c MediaController, log zerolog.Logger) *Media {
	return &Media{controller: c, log: log.With().Str("component", "media").Logger()}
}

type launchParams struct {
	URI string `json:"uri"`
}

// Launch starts playback of a media URI.
func (m *Media) Launch(params json.RawMessage) gateway.InvokeResult {
	var p launchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad launch params: %v", err)
	}
	if p.URI == "" {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "launch needs a uri")
	}
	if m.controller == nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no media controller on this host")
	}
	if err := m.controller.Launch(p.URI); err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "media launch failed: %v", err)
	}
	m.log.Debug().Str("uri", p.URI).Msg("media launched")
	return gateway.OK(map[string]bool{"ok": true})
}

// Stop halts whatever the controller is playing.
func (m *Media) Stop(json.RawMessage) gateway.InvokeResult {
	if m.controller == nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no media controller on this host")
	}
	if err := m.controller.Stop(); err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "media stop failed: %v", err)
	}
	return gateway.OK(map[string]bool{"ok": true})
}
