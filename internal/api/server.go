// Package api serves the local control surface: health, aggregated gateway
// status (snapshot and SSE stream), chat, and canvas operations. It binds to
// loopback only; it is the host UI's way into the orchestrator, not a public
// API.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
	"github.com/roostd/roost/internal/orchestrator"
)

const maxBodyBytes = 4 * 1024 * 1024

// Server routes local control requests to the orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	log  zerolog.Logger
}

func NewServer(orch *orchestrator.Orchestrator, log zerolog.Logger) *Server {
	return &Server{orch: orch, log: log.With().Str("component", "api").Logger()}
}

// Router builds the chi router with all control routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/api/status", s.getStatus)
	r.Get("/api/status/stream", s.streamStatus)
	r.Post("/api/canvas/a2ui", s.postA2UI)
	r.Post("/api/canvas/reset", s.postCanvasReset)
	r.Get("/api/chat/messages", s.getChatMessages)
	r.Post("/api/chat/send", s.postChatSend)
	r.Post("/api/chat/abort", s.postChatAbort)
	r.Post("/api/reconnect", s.postReconnect)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status().Current())
}

// streamStatus streams aggregated status updates as Server-Sent Events. The
// subscription is registered before headers are flushed so no update is lost
// between the 200 and the first event.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	recv := s.orch.Status().Subscribe(16)
	defer recv.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-recv.C:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: status\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) postA2UI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body failed", err.Error())
		return
	}

	// Accept either the invoke-shaped {"jsonl": ...} object or a raw batch.
	trimmed := bytes.TrimSpace(body)
	params := trimmed
	command := "canvas.a2ui.push"
	if !json.Valid(trimmed) || (len(trimmed) > 0 && trimmed[0] != '{') {
		wrapped, merr := json.Marshal(map[string]string{"jsonl": string(body)})
		if merr != nil {
			writeError(w, http.StatusBadRequest, "unencodable body", merr.Error())
			return
		}
		params = wrapped
		command = "canvas.a2ui.pushJSONL"
	}

	s.dispatch(w, command, params)
}

func (s *Server) postCanvasReset(w http.ResponseWriter, _ *http.Request) {
	s.dispatch(w, "canvas.a2ui.reset", nil)
}

func (s *Server) getChatMessages(w http.ResponseWriter, _ *http.Request) {
	chat := s.orch.Chat()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":     chat.Messages(),
		"typing":       chat.Typing(),
		"pendingTools": chat.PendingToolCalls(),
	})
}

type chatSendRequest struct {
	Text          string `json:"text"`
	ThinkingLevel string `json:"thinkingLevel"`
}

func (s *Server) postChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required", "")
		return
	}
	s.orch.Chat().SendMessage(req.Text, req.ThinkingLevel)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) postChatAbort(w http.ResponseWriter, _ *http.Request) {
	s.orch.Chat().AbortCurrentRun()
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) postReconnect(w http.ResponseWriter, _ *http.Request) {
	s.orch.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// dispatch runs command through the same invoke path the gateway uses, so
// local control and remote invokes share validation, gating, and error
// mapping.
func (s *Server) dispatch(w http.ResponseWriter, command string, params []byte) {
	result := s.orch.Registry().Dispatch(gateway.InvokeRequest{Command: command, Params: params})
	if result.Err != nil {
		writeError(w, httpStatusFor(result.Err.Code), result.Err.Message, result.Err.Code)
		return
	}
	if result.Payload == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, result.Payload)
}

func httpStatusFor(code string) int {
	switch code {
	case gateway.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case gateway.ErrCodeBackgroundUnavailable:
		return http.StatusConflict
	case gateway.ErrCodeHostUnavailable, gateway.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case gateway.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case gateway.ErrCodeNotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := errorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	_ = json.NewEncoder(w).Encode(resp)
}
