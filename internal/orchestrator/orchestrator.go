// Package orchestrator coordinates the two gateway sessions (operator and
// node) over one shared device identity: aggregated status, invoke dispatch
// with foreground gating, TOFU fingerprint persistence, and the debounced
// sync of server-side settings.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/canvas"
	"github.com/roostd/roost/internal/capability"
	"github.com/roostd/roost/internal/chat"
	"github.com/roostd/roost/internal/discovery"
	"github.com/roostd/roost/internal/gateway"
	"github.com/roostd/roost/internal/identity"
	"github.com/roostd/roost/internal/secrets"
	"github.com/roostd/roost/internal/trust"
)

// ClientVersion identifies this build on the wire.
const ClientVersion = "0.3.0"

// Options carries the orchestrator's collaborators. Identity and Secrets are
// required; the rest default to inert implementations.
type Options struct {
	Identity   *identity.Identity
	Secrets    *secrets.Store
	CanvasHost canvas.Host
	CanvasURL  string
	Notifier   capability.Notifier
	Media      capability.MediaController
	// Foreground reports whether the process is user-visible. Nil means
	// always foregrounded (headless hosts have no background state).
	Foreground func() bool
	Log        zerolog.Logger
	Platform   string
}

// Orchestrator owns exactly one operator and one node session for the
// lifetime of the process. Reconnection mutates the sessions in place.
type Orchestrator struct {
	ident   *identity.Identity
	secrets *secrets.Store
	log     zerolog.Logger

	operator *gateway.Session
	node     *gateway.Session

	registry *Registry
	pusher   *canvas.Pusher
	chat     *chat.Protocol
	sync     *ConfigSync
	status   *StatusStream

	platform string
}

// New wires the orchestrator: sessions with their hooks, the capability
// registry, and the chat protocol on the operator session.
func New(opts Options) *Orchestrator {
	log := opts.Log.With().Str("component", "orchestrator").Logger()

	o := &Orchestrator{
		ident:    opts.Identity,
		secrets:  opts.Secrets,
		log:      log,
		status:   NewStatusStream(),
		registry: NewRegistry(opts.Foreground, opts.Log),
		platform: opts.Platform,
	}

	if opts.CanvasHost != nil {
		o.pusher = canvas.NewPusher(opts.CanvasHost, opts.CanvasURL, opts.Log)
	}

	o.operator = gateway.NewSession(gateway.RoleOperator, opts.Identity, opts.Log, gateway.Hooks{
		OnConnected:      o.operatorConnected,
		OnDisconnected:   func(error) { o.publishStatus() },
		OnEvent:          o.operatorEvent,
		OnTLSFingerprint: o.pinFingerprint,
	})
	o.node = gateway.NewSession(gateway.RoleNode, opts.Identity, opts.Log, gateway.Hooks{
		OnConnected:      func(gateway.ConnectedInfo) { o.publishStatus() },
		OnDisconnected:   func(error) { o.publishStatus() },
		OnInvoke:         o.registry.Dispatch,
		OnTLSFingerprint: o.pinFingerprint,
	})

	o.chat = chat.New(o.operator, "", opts.Log, nil)
	o.sync = NewConfigSync(0, o.pushTriggerWords)

	o.registerCapabilities(opts)
	return o
}

func (o *Orchestrator) registerCapabilities(opts Options) {
	if o.pusher != nil {
		o.registry.Register("canvas.present", func(ctx context.Context, _ json.RawMessage) gateway.InvokeResult {
			return mapCanvasErr(o.pusher.Present(ctx))
		})
		o.registry.Register("canvas.hide", func(ctx context.Context, _ json.RawMessage) gateway.InvokeResult {
			return mapCanvasErr(o.pusher.Hide(ctx))
		})
		o.registry.Register("canvas.navigate", o.handleCanvasNavigate)
		o.registry.Register("canvas.eval", o.handleCanvasEval)
		o.registry.Register("canvas.snapshot", o.handleCanvasSnapshot)
		// push and pushJSONL share one handler; it accepts both the
		// messages-array and the jsonl-string parameter shape.
		o.registry.Register("canvas.a2ui.push", o.handleA2UI)
		o.registry.Register("canvas.a2ui.pushJSONL", o.handleA2UI)
		o.registry.Register("canvas.a2ui.reset", func(ctx context.Context, _ json.RawMessage) gateway.InvokeResult {
			return mapCanvasErr(o.pusher.Reset(ctx))
		})
	}

	screen := capability.NewScreen(opts.Log)
	o.registry.Register("screen.snapshot", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return screen.Snapshot(params)
	})
	o.registry.Register("screen.record", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return screen.Record(params)
	})
	o.registry.Register("screen.requestPermission", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return screen.RequestPermission(params)
	})

	notify := capability.NewNotify(opts.Notifier, opts.Log)
	o.registry.Register("device.notify.post", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return notify.Show(params)
	})
	o.registry.Register("device.notify.clear", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return notify.Clear(params)
	})

	media := capability.NewMedia(opts.Media, opts.Log)
	o.registry.Register("app.media.launch", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return media.Launch(params)
	})
	o.registry.Register("app.media.stop", func(_ context.Context, params json.RawMessage) gateway.InvokeResult {
		return media.Stop(params)
	})
}

func (o *Orchestrator) handleCanvasNavigate(ctx context.Context, params json.RawMessage) gateway.InvokeResult {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad navigate params: %v", err)
	}
	if p.URL == "" {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "navigate needs a url")
	}
	return mapCanvasErr(o.pusher.NavigateTo(ctx, p.URL))
}

func (o *Orchestrator) handleCanvasEval(ctx context.Context, params json.RawMessage) gateway.InvokeResult {
	var p struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad eval params: %v", err)
	}
	if p.Script == "" {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "eval needs a script")
	}
	out, err := o.pusher.Eval(ctx, p.Script)
	if err != nil {
		return mapCanvasErr(err)
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return gateway.OK(map[string]json.RawMessage{"result": out})
}

func (o *Orchestrator) handleCanvasSnapshot(ctx context.Context, _ json.RawMessage) gateway.InvokeResult {
	img, err := o.pusher.Snapshot(ctx)
	if err != nil {
		return mapCanvasErr(err)
	}
	return gateway.OK(map[string]string{
		"format": "png",
		"data":   base64.StdEncoding.EncodeToString(img),
	})
}

type a2uiParams struct {
	JSONL    string          `json:"jsonl"`
	Messages json.RawMessage `json:"messages"`
}

func (o *Orchestrator) handleA2UI(ctx context.Context, params json.RawMessage) gateway.InvokeResult {
	var p a2uiParams
	if err := json.Unmarshal(params, &p); err != nil {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "bad a2ui params: %v", err)
	}
	input := p.JSONL
	if input == "" && len(p.Messages) > 0 {
		input = string(p.Messages)
	}
	if input == "" {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "a2ui params carry no messages")
	}
	return mapCanvasErr(o.pusher.Push(ctx, input))
}

func mapCanvasErr(err error) gateway.InvokeResult {
	switch {
	case err == nil:
		return gateway.OK(map[string]bool{"ok": true})
	case errors.Is(err, canvas.ErrHostUnavailable):
		return gateway.Fail(gateway.ErrCodeHostUnavailable, "%v", err)
	default:
		// Validation and version errors are the caller's fault.
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "%v", err)
	}
}

// Connect resolves trust once for the endpoint and starts both sessions
// against it. The operator session is the primary signal: its error is
// returned; a node-side failure only degrades the aggregated status.
func (o *Orchestrator) Connect(ctx context.Context, endpoint discovery.Endpoint, token, password string) error {
	stored := ""
	if o.secrets != nil {
		stored = o.secrets.PinnedFingerprint(endpoint.StableID)
	}
	tlsParams := trust.Resolve(endpoint, stored)

	o.publishStatusFor(gateway.StateConnecting, o.node.State(), endpoint.Addr())

	opErr := o.operator.Connect(ctx, gateway.ConnectRequest{
		Endpoint: endpoint,
		Token:    token,
		Password: password,
		TLS:      tlsParams,
		Options:  o.connectOptions(gateway.RoleOperator),
	})

	nodeErr := o.node.Connect(ctx, gateway.ConnectRequest{
		Endpoint: endpoint,
		Token:    token,
		Password: password,
		TLS:      tlsParams,
		Options:  o.connectOptions(gateway.RoleNode),
	})
	if nodeErr != nil {
		o.log.Warn().Err(nodeErr).Msg("node session failed; continuing degraded")
	}

	o.publishStatus()
	return opErr
}

func (o *Orchestrator) connectOptions(role gateway.Role) gateway.ConnectOptions {
	opts := gateway.ConnectOptions{
		Role: role,
		Client: gateway.ClientInfo{
			ID:       "roost",
			Version:  ClientVersion,
			Platform: o.platform,
			Mode:     string(role),
		},
		UserAgent: "roost/" + ClientVersion,
	}
	switch role {
	case gateway.RoleOperator:
		opts.Scopes = []string{"chat", "control"}
	case gateway.RoleNode:
		opts.Scopes = []string{"device"}
		opts.Caps = []string{"canvas", "screen", "notify", "media"}
		opts.Commands = o.registry.Commands()
	}
	return opts
}

// Disconnect stops both sessions and any pending settings push.
func (o *Orchestrator) Disconnect() {
	o.sync.Stop()
	o.operator.Disconnect()
	o.node.Disconnect()
	o.publishStatus()
}

// Reconnect nudges both sessions to re-attempt with their last parameters.
func (o *Orchestrator) Reconnect() {
	if err := o.operator.Reconnect(); err != nil {
		o.log.Debug().Err(err).Msg("operator reconnect not started")
	}
	if err := o.node.Reconnect(); err != nil {
		o.log.Debug().Err(err).Msg("node reconnect not started")
	}
}

// Chat returns the chat protocol bound to the operator session.
func (o *Orchestrator) Chat() *chat.Protocol { return o.chat }

// Status returns the aggregated status stream.
func (o *Orchestrator) Status() *StatusStream { return o.status }

// Registry exposes the invoke registry so hosts can add commands before
// Connect advertises the list.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// SetTriggerWords records a local trigger-word edit; the push to the gateway
// is debounced.
func (o *Orchestrator) SetTriggerWords(words []string) {
	o.sync.UpdateLocal(words)
}

func (o *Orchestrator) pushTriggerWords(words []string) {
	params := map[string]any{"triggerWords": words}
	if _, err := o.operator.Request("config.set", params, 15*time.Second); err != nil {
		o.log.Warn().Err(err).Msg("trigger word push failed")
	}
}

func (o *Orchestrator) operatorConnected(info gateway.ConnectedInfo) {
	if info.MainSessionKey != "" {
		o.chat.SetSessionKey(info.MainSessionKey)
	}
	if info.DeviceToken != "" && o.secrets != nil {
		if err := o.secrets.SaveToken(info.DeviceToken); err != nil {
			o.log.Warn().Err(err).Msg("saving device token failed")
		}
	}
	o.publishStatus()
}

func (o *Orchestrator) operatorEvent(name string, payload json.RawMessage) {
	switch {
	case name == "config.updated":
		var p struct {
			TriggerWords []string `json:"triggerWords"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		o.sync.ApplyRemote(p.TriggerWords, nil)
	case name == "chat" || strings.HasPrefix(name, "chat."):
		o.chat.HandleEvent(name, payload)
	}
}

func (o *Orchestrator) pinFingerprint(stableID, fingerprint string) {
	if o.secrets == nil {
		return
	}
	if err := o.secrets.SavePinnedFingerprint(stableID, fingerprint); err != nil {
		o.log.Error().Err(err).Str("stableId", stableID).Msg("pinning fingerprint failed")
		return
	}
	o.log.Info().Str("stableId", stableID).Str("fingerprint", fingerprint).Msg("fingerprint pinned")
}

func (o *Orchestrator) publishStatus() {
	endpoint := ""
	if ep := o.operator.ConnectedEndpoint(); ep != nil {
		endpoint = ep.Addr()
	} else if ep := o.node.ConnectedEndpoint(); ep != nil {
		endpoint = ep.Addr()
	}
	o.publishStatusFor(o.operator.State(), o.node.State(), endpoint)
}

func (o *Orchestrator) publishStatusFor(op, node gateway.State, endpoint string) {
	o.status.Publish(aggregateStatus(op, node, endpoint))
}
