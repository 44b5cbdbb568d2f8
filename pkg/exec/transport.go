package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cgast/crewd/pkg/pack"
	"github.com/cgast/crewd/pkg/validate"
)

// Response is what an agent returns through the transport.
type Response struct {
	Outputs  string              `json:"outputs"`
	Evidence []validate.Evidence `json:"evidence,omitempty"`
}

// Transport invokes one agent with its context package. Implementations
// are expected to be idempotent under retry; if one is not, the task must
// be tagged non-retryable.
type Transport interface {
	Invoke(ctx context.Context, agentID string, pkg pack.Package) (Response, error)
}

// AgentFunc is a single in-process agent implementation.
type AgentFunc func(ctx context.Context, pkg pack.Package) (Response, error)

// LocalTransport dispatches to in-process functions. Deterministic, used
// by tests and the demo command.
type LocalTransport struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
}

// NewLocalTransport creates an empty local transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{agents: make(map[string]AgentFunc)}
}

// Register binds an agent id to a function. Later registrations replace
// earlier ones.
func (t *LocalTransport) Register(agentID string, fn AgentFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[agentID] = fn
}

func (t *LocalTransport) Invoke(ctx context.Context, agentID string, pkg pack.Package) (Response, error) {
	t.mu.RLock()
	fn, ok := t.agents[agentID]
	t.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("no local agent registered for %q", agentID)
	}
	return fn(ctx, pkg)
}

// HTTPTransport POSTs the context package to a long-running worker and
// decodes the response. Non-2xx statuses in the 5xx range are transient;
// 4xx statuses are agent errors.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport creates a transport against baseURL, e.g.
// "http://workers.internal:8700". The invoke path is /agents/<id>/invoke.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: baseURL, Client: http.DefaultClient}
}

type invokeRequest struct {
	AgentID string       `json:"agent_id"`
	Package pack.Package `json:"package"`
}

func (t *HTTPTransport) Invoke(ctx context.Context, agentID string, pkg pack.Package) (Response, error) {
	body, err := json.Marshal(invokeRequest{AgentID: agentID, Package: pkg})
	if err != nil {
		return Response{}, fmt.Errorf("marshal invoke request: %w", err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", t.BaseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// Connection-level failures are worth a retry.
		return Response{}, Transient(fmt.Errorf("invoke %s: %w", agentID, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, Transient(fmt.Errorf("read invoke response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return Response{}, Transient(fmt.Errorf("worker returned %d: %s", resp.StatusCode, truncateBody(data)))
	case resp.StatusCode >= 400:
		return Response{}, fmt.Errorf("agent %s rejected invoke (%d): %s", agentID, resp.StatusCode, truncateBody(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("decode invoke response: %w", err)
	}
	return out, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
