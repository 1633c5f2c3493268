// Package chat implements the chat sub-protocol on top of the operator
// session: RPC-based send/history/abort and streaming event reducers that
// fold assistant deltas and tool-call lifecycle into a message list.
package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const rpcTimeout = 30 * time.Second

// RPC is the slice of the gateway session the chat protocol needs.
type RPC interface {
	Request(method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// ContentBlock is one piece of message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one entry in the ordered-by-arrival chat transcript.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// PendingToolCall is an in-flight tool invocation surfaced while a run is
// streaming.
type PendingToolCall struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Label  string `json:"label,omitempty"`
	Status string `json:"status"`
}

// Protocol owns the transcript and transient streaming state. All mutation
// happens under one mutex, from SendMessage and from the session's event
// dispatch goroutine.
type Protocol struct {
	rpc        RPC
	log        zerolog.Logger
	sessionKey string

	mu        sync.Mutex
	messages  []Message
	pending   map[string]PendingToolCall
	typing    strings.Builder
	lastRunID string
	onChange  func()
}

// New builds a chat protocol bound to the given RPC transport and session
// key. onChange, if non-nil, fires after every state mutation; it is called
// without the internal lock held.
func New(rpc RPC, sessionKey string, log zerolog.Logger, onChange func()) *Protocol {
	return &Protocol{
		rpc:        rpc,
		log:        log.With().Str("component", "chat").Logger(),
		sessionKey: sessionKey,
		pending:    make(map[string]PendingToolCall),
		onChange:   onChange,
	}
}

// SetSessionKey points the protocol at a different server-side session.
func (p *Protocol) SetSessionKey(key string) {
	p.mu.Lock()
	p.sessionKey = key
	p.mu.Unlock()
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendMessage optimistically appends the user message to the transcript,
// then issues the RPC in the background with an idempotency key. Further
// sends are never blocked on completion of earlier ones.
func (p *Protocol) SendMessage(text, thinkingLevel string) {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   []ContentBlock{{Type: "text", Text: text}},
		Timestamp: time.Now(),
	}

	p.mu.Lock()
	p.messages = append(p.messages, msg)
	sessionKey := p.sessionKey
	p.mu.Unlock()
	p.notify()

	go func() {
		params := sendParams{
			SessionKey:     sessionKey,
			Message:        text,
			ThinkingLevel:  thinkingLevel,
			IdempotencyKey: msg.ID,
		}
		if _, err := p.rpc.Request("chat.send", params, rpcTimeout); err != nil {
			p.log.Warn().Err(err).Str("messageId", msg.ID).Msg("chat send failed")
		}
	}()
}

// AbortCurrentRun asks the gateway to stop the most recent run. No-op when
// no run has been observed.
func (p *Protocol) AbortCurrentRun() {
	p.mu.Lock()
	runID := p.lastRunID
	sessionKey := p.sessionKey
	p.mu.Unlock()
	if runID == "" {
		return
	}
	go func() {
		params := map[string]string{"sessionKey": sessionKey, "runId": runID}
		if _, err := p.rpc.Request("chat.abort", params, rpcTimeout); err != nil {
			p.log.Warn().Err(err).Str("runId", runID).Msg("chat abort failed")
		}
	}()
}

// LoadHistory fetches the transcript from the gateway and replaces the local
// list.
func (p *Protocol) LoadHistory() error {
	p.mu.Lock()
	sessionKey := p.sessionKey
	p.mu.Unlock()
	payload, err := p.rpc.Request("chat.history", map[string]string{"sessionKey": sessionKey}, rpcTimeout)
	if err != nil {
		return err
	}
	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = result.Messages
	p.mu.Unlock()
	p.notify()
	return nil
}

// Streamed event payloads. Unparseable optional fields are ignored, never
// fatal.
type deltaPayload struct {
	RunID string `json:"runId"`
	Text  string `json:"text"`
}

type toolPayload struct {
	RunID string `json:"runId"`
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Label string `json:"label"`
}

type terminalPayload struct {
	RunID   string   `json:"runId"`
	Message *Message `json:"message"`
	Error   string   `json:"error"`
}

// HandleEvent folds one streamed chat event into the transcript state. The
// name may carry a "chat." prefix; unknown events are ignored.
func (p *Protocol) HandleEvent(name string, payload json.RawMessage) {
	name = strings.TrimPrefix(name, "chat.")

	switch {
	case strings.HasPrefix(name, "assistant."):
		p.handleDelta(payload)
	case name == "tool.start":
		p.handleToolStart(payload)
	case name == "tool.end":
		p.handleToolEnd(payload)
	case name == "completed", name == "aborted", name == "error":
		p.handleTerminal(name, payload)
	}
}

func (p *Protocol) handleDelta(payload json.RawMessage) {
	var d deltaPayload
	if err := json.Unmarshal(payload, &d); err != nil {
		return
	}
	p.mu.Lock()
	if d.RunID != "" {
		p.lastRunID = d.RunID
	}
	p.typing.WriteString(d.Text)
	p.mu.Unlock()
	p.notify()
}

func (p *Protocol) handleToolStart(payload json.RawMessage) {
	var tp toolPayload
	if err := json.Unmarshal(payload, &tp); err != nil || tp.ID == "" {
		return
	}
	p.mu.Lock()
	if tp.RunID != "" {
		p.lastRunID = tp.RunID
	}
	p.pending[tp.ID] = PendingToolCall{ID: tp.ID, Tool: tp.Tool, Label: tp.Label, Status: "running"}
	p.mu.Unlock()
	p.notify()
}

func (p *Protocol) handleToolEnd(payload json.RawMessage) {
	var tp toolPayload
	if err := json.Unmarshal(payload, &tp); err != nil || tp.ID == "" {
		return
	}
	p.mu.Lock()
	delete(p.pending, tp.ID)
	p.mu.Unlock()
	p.notify()
}

// handleTerminal clears transient streaming state. A completed event merges
// the final message by id: replacing an existing entry, else appending.
func (p *Protocol) handleTerminal(name string, payload json.RawMessage) {
	var tp terminalPayload
	_ = json.Unmarshal(payload, &tp)

	p.mu.Lock()
	p.typing.Reset()
	p.pending = make(map[string]PendingToolCall)
	p.lastRunID = ""

	if name == "completed" && tp.Message != nil {
		replaced := false
		for i := range p.messages {
			if p.messages[i].ID == tp.Message.ID {
				p.messages[i] = *tp.Message
				replaced = true
				break
			}
		}
		if !replaced {
			p.messages = append(p.messages, *tp.Message)
		}
	}
	p.mu.Unlock()

	if name == "error" && tp.Error != "" {
		p.log.Warn().Str("runId", tp.RunID).Str("error", tp.Error).Msg("chat run failed")
	}
	p.notify()
}

// Messages returns a copy of the transcript in arrival order.
func (p *Protocol) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Typing returns the accumulated in-flight assistant text.
func (p *Protocol) Typing() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing.String()
}

// PendingToolCalls returns the in-flight tool calls sorted by id.
func (p *Protocol) PendingToolCalls() []PendingToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingToolCall, 0, len(p.pending))
	for _, tc := range p.pending {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Protocol) notify() {
	if p.onChange != nil {
		p.onChange()
	}
}
