package capability

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

// Notifier delivers and dismisses user-visible notifications. Injected by the
// caller so handlers never reach into process-wide singletons.
type Notifier interface {
	Notify(title, body string) error
	Clear(id string) error
}

// Notify bridges device.notify invokes to an injected Notifier.
type Notify struct {
	notifier Notifier
	log      zerolog.Logger
}

func NewNotify(n Notifier, log zerolog.Logger) *Notify {
	return &Notify{notifier: n, log: log.With().Str("component", "notify").Logger()}
}

type notifyParams struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Show posts one notification.
func (n *Notify) Show(params json.RawMessage) gateway.InvokeResult {
	var p notifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad notify params: %v", err)
	}
	if p.Title == "" && p.Body == "" {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "notification needs a title or body")
	}
	if n.notifier == nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no notifier on this host")
	}
	if err := n.notifier.Notify(p.Title, p.Body); err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "notify failed: %v", err)
	}
	n.log.Debug().Str("title", p.Title).Msg("notification shown")
	return gateway.OK(map[string]bool{"shown": true})
}

type clearParams struct {
	ID string `json:"id"`
}

// Clear dismisses one posted notification, or all of them when id is empty.
func (n *Notify) Clear(params json.RawMessage) gateway.InvokeResult {
	var p clearParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad clear params: %v", err)
		}
	}
	if n.notifier == nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "no notifier on this host")
	}
	if err := n.notifier.Clear(p.ID); err != nil {
		return gateway.Fail(gateway.ErrCodeUnavailable, "clear failed: %v", err)
	}
	return gateway.OK(map[string]bool{"cleared": true})
}
