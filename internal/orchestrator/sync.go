package orchestrator

import (
	"sync"
	"time"
)

const defaultSyncQuiet = 800 * time.Millisecond

// ConfigSync coalesces rapid local edits to server-synced settings (trigger
// words) into a single push after a quiet period, and applies server-pushed
// updates behind a reentrancy guard so they do not bounce straight back to
// the server as if they were local edits.
type ConfigSync struct {
	quiet time.Duration
	push  func(words []string)

	mu             sync.Mutex
	words          []string
	timer          *time.Timer
	applyingRemote bool
}

// NewConfigSync builds a sync with the given quiet period; zero selects the
// default. push is invoked off the caller's goroutine with the coalesced
// value.
func NewConfigSync(quiet time.Duration, push func(words []string)) *ConfigSync {
	if quiet <= 0 {
		quiet = defaultSyncQuiet
	}
	return &ConfigSync{quiet: quiet, push: push}
}

// UpdateLocal records a local edit and (re)schedules the debounced push.
// Calls made while a remote update is being applied update the value but
// schedule nothing.
func (c *ConfigSync) UpdateLocal(words []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.words = cloneWords(words)
	if c.applyingRemote {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, c.flush)
}

func (c *ConfigSync) flush() {
	c.mu.Lock()
	words := cloneWords(c.words)
	c.timer = nil
	c.mu.Unlock()
	c.push(words)
}

// ApplyRemote applies a server-pushed value. Any pending local push is
// cancelled: the server already has the authoritative value. apply runs the
// caller's local side effects (persisting, notifying UI) and may re-enter
// UpdateLocal safely.
func (c *ConfigSync) ApplyRemote(words []string, apply func(words []string)) {
	c.mu.Lock()
	c.applyingRemote = true
	c.words = cloneWords(words)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if apply != nil {
		apply(cloneWords(words))
	}

	c.mu.Lock()
	c.applyingRemote = false
	c.mu.Unlock()
}

// Words returns the current value.
func (c *ConfigSync) Words() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneWords(c.words)
}

// Stop cancels any pending push.
func (c *ConfigSync) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func cloneWords(words []string) []string {
	out := make([]string, len(words))
	copy(out, words)
	return out
}
