package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPHost talks to a rendering host over its local control endpoint. The
// host process (a WebView wrapper or kiosk browser) exposes readiness,
// navigation, apply, and reset under one base URL.
type HTTPHost struct {
	base   string
	client *http.Client
}

func NewHTTPHost(base string) *HTTPHost {
	return &HTTPHost{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPHost) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (h *HTTPHost) Navigate(ctx context.Context, url string) error {
	return h.post(ctx, "/navigate", map[string]string{"url": url})
}

func (h *HTTPHost) ApplyMessages(ctx context.Context, batch []json.RawMessage) error {
	return h.post(ctx, "/apply", batch)
}

func (h *HTTPHost) Reset(ctx context.Context) error {
	return h.post(ctx, "/reset", nil)
}

func (h *HTTPHost) Hide(ctx context.Context) error {
	return h.post(ctx, "/hide", nil)
}

func (h *HTTPHost) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	body, err := h.postBody(ctx, "/eval", map[string]string{"script": script})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (h *HTTPHost) Snapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/snapshot", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("host /snapshot returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTPHost) post(ctx context.Context, path string, payload any) error {
	_, err := h.postBody(ctx, path, payload)
	return err
}

func (h *HTTPHost) postBody(ctx context.Context, path string, payload any) ([]byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("host %s returned %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
