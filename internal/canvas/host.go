package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrHostUnavailable means the rendering host never became ready within the
// poll budget, or rejected the batch at apply time.
var ErrHostUnavailable = errors.New("rendering host unavailable")

const (
	defaultReadyAttempts = 10
	defaultReadyDelay    = 300 * time.Millisecond
)

// Host is the rendering surface the validated batches are applied to. Ready
// reports whether its entry point is loaded; Navigate (re)loads it.
// Implementations translate script errors into plain error returns.
type Host interface {
	Ready(ctx context.Context) bool
	Navigate(ctx context.Context, url string) error
	ApplyMessages(ctx context.Context, batch []json.RawMessage) error
	Reset(ctx context.Context) error
	Hide(ctx context.Context) error
	Eval(ctx context.Context, script string) (json.RawMessage, error)
	Snapshot(ctx context.Context) ([]byte, error)
}

// Pusher validates batches and applies them through a readiness-gated path:
// if the host entry point is missing it navigates the host to the canvas URL
// and polls a bounded number of times before failing with ErrHostUnavailable.
type Pusher struct {
	host     Host
	url      string
	attempts int
	delay    time.Duration
	log      zerolog.Logger
}

// NewPusher builds a pusher for host; url is where the host navigates to
// load the canvas entry point when it is not yet ready.
func NewPusher(host Host, url string, log zerolog.Logger) *Pusher {
	return &Pusher{
		host:     host,
		url:      url,
		attempts: defaultReadyAttempts,
		delay:    defaultReadyDelay,
		log:      log.With().Str("component", "canvas").Logger(),
	}
}

// Push validates input (JSON array or JSONL) and applies it to the host.
// Validation errors are returned as-is; host failures map to
// ErrHostUnavailable.
func (p *Pusher) Push(ctx context.Context, input string) error {
	batch, err := ParseBatch(input)
	if err != nil {
		return err
	}
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	if err := p.host.ApplyMessages(ctx, batch); err != nil {
		return fmt.Errorf("%w: apply: %v", ErrHostUnavailable, err)
	}
	p.log.Debug().Int("messages", len(batch)).Msg("a2ui batch applied")
	return nil
}

// Present brings the canvas entry point up without applying anything,
// navigating and polling as needed.
func (p *Pusher) Present(ctx context.Context) error {
	return p.ensureReady(ctx)
}

// Hide tells the host to stop showing the surface. No readiness gate: hiding
// a host that never loaded is a no-op on its side.
func (p *Pusher) Hide(ctx context.Context) error {
	if err := p.host.Hide(ctx); err != nil {
		return fmt.Errorf("%w: hide: %v", ErrHostUnavailable, err)
	}
	return nil
}

// NavigateTo points the host at an arbitrary URL instead of the canvas entry
// point.
func (p *Pusher) NavigateTo(ctx context.Context, url string) error {
	if err := p.host.Navigate(ctx, url); err != nil {
		return fmt.Errorf("%w: navigate: %v", ErrHostUnavailable, err)
	}
	return nil
}

// Eval runs script in the host and returns its JSON-encoded result.
func (p *Pusher) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	out, err := p.host.Eval(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("%w: eval: %v", ErrHostUnavailable, err)
	}
	return out, nil
}

// Snapshot captures the rendered surface as PNG bytes.
func (p *Pusher) Snapshot(ctx context.Context) ([]byte, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	img, err := p.host.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrHostUnavailable, err)
	}
	return img, nil
}

// Reset clears the host surface through the same readiness gate.
func (p *Pusher) Reset(ctx context.Context) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	if err := p.host.Reset(ctx); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrHostUnavailable, err)
	}
	return nil
}

func (p *Pusher) ensureReady(ctx context.Context) error {
	if p.host.Ready(ctx) {
		return nil
	}

	p.log.Debug().Str("url", p.url).Msg("host not ready, navigating")
	if err := p.host.Navigate(ctx, p.url); err != nil {
		return fmt.Errorf("%w: navigate: %v", ErrHostUnavailable, err)
	}

	for i := 0; i < p.attempts; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrHostUnavailable, ctx.Err())
		case <-time.After(p.delay):
		}
		if p.host.Ready(ctx) {
			return nil
		}
	}
	return fmt.Errorf("%w: entry point missing after %d attempts", ErrHostUnavailable, p.attempts)
}
