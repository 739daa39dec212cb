// Package httpcheck provides the 'http_check' node handler: a single HTTP
// request whose status code must match an expectation. Fits health gates
// and artifact existence checks between pipeline stages.
package httpcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler executes 'http_check' nodes.
type Handler struct {
	// Client lets tests inject their own; nil uses http.DefaultClient.
	Client *http.Client
}

// Execute performs the request. Payload keys:
//
//	url    (string, required)  the endpoint
//	method (string)            defaults to GET
//	expect (number)            expected status code, defaults to 200
func (h Handler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", in.JobID, "node_id", in.NodeID)

	url, _ := in.Payload["url"].(string)
	if url == "" {
		return nil, retry.Fatal(fmt.Errorf("http_check node requires a 'url' string in its input"))
	}
	method := http.MethodGet
	if m, ok := in.Payload["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	expect := 200
	if e, ok := in.Payload["expect"].(float64); ok {
		expect = int(e)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger.Info("🌐 Checking endpoint.", "method", method, "url", url, "expect", expect)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(body),
	}
	if resp.StatusCode != expect {
		return output, fmt.Errorf("endpoint %s returned status %d, expected %d", url, resp.StatusCode, expect)
	}
	return output, nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("http_check", Handler{})
}
