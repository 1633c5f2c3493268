package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

const invokeTimeout = 30 * time.Second

// Handler executes one invoke command. Handlers return structured results;
// Dispatch converts panics into UNAVAILABLE so a broken handler can never
// take the session down.
type Handler func(ctx context.Context, params json.RawMessage) gateway.InvokeResult

// Registry maps invoke commands to handlers and enforces the foreground
// policy. The command list it exposes becomes the node session's advertised
// allowlist, so the gateway and the registry agree on what is callable.
type Registry struct {
	foreground func() bool
	log        zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds a registry. foreground reports whether the process is
// user-visible; nil means always foregrounded.
func NewRegistry(foreground func() bool, log zerolog.Logger) *Registry {
	if foreground == nil {
		foreground = func() bool { return true }
	}
	return &Registry{
		foreground: foreground,
		log:        log.With().Str("component", "invoke").Logger(),
		handlers:   make(map[string]Handler),
	}
}

// Register binds command to h, replacing any previous binding.
func (r *Registry) Register(command string, h Handler) {
	r.mu.Lock()
	r.handlers[command] = h
	r.mu.Unlock()
}

// Commands returns the sorted list of registered commands.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for cmd := range r.handlers {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// foregroundGated reports whether command requires the process to be in the
// foreground. Canvas and screen commands drive or read the visible surface;
// screen.snapshot is the one read-only exception allowed in the background.
func foregroundGated(command string) bool {
	if command == "screen.snapshot" {
		return false
	}
	return strings.HasPrefix(command, "canvas.") || strings.HasPrefix(command, "screen.")
}

// Dispatch routes one invoke to its handler. Unknown commands fail with
// INVALID_REQUEST; gated commands fail with BACKGROUND_UNAVAILABLE while
// backgrounded.
func (r *Registry) Dispatch(req gateway.InvokeRequest) (result gateway.InvokeResult) {
	r.mu.RLock()
	h, ok := r.handlers[req.Command]
	r.mu.RUnlock()
	if !ok {
		return gateway.Fail(gateway.ErrCodeInvalidRequest, "unknown command %q", req.Command)
	}

	if foregroundGated(req.Command) && !r.foreground() {
		return gateway.Fail(gateway.ErrCodeBackgroundUnavailable,
			"%s requires the app to be in the foreground", req.Command)
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("command", req.Command).Msg("invoke handler panicked")
			result = gateway.Fail(gateway.ErrCodeUnavailable, "internal error handling %s", req.Command)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	defer cancel()

	start := time.Now()
	result = h(ctx, req.Params)
	ev := r.log.Debug().Str("command", req.Command).Dur("took", time.Since(start))
	if result.Err != nil {
		ev = ev.Str("errorCode", result.Err.Code)
	}
	ev.Msg("invoke handled")
	return result
}
