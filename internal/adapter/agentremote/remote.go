// Package agentremote talks to a live coding-agent backend over HTTP.
// Sessions are created with a JSON POST and prompt responses stream back
// as newline-delimited JSON chunks.
package agentremote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/Conductor/internal/port/agent"
	"github.com/Strob0t/Conductor/internal/resilience"
)

// Adapter is an agent.Adapter backed by a remote HTTP endpoint.
type Adapter struct {
	baseURL    string
	secret     string
	directory  string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates a live adapter for the given base URL. The secret, when
// non-empty, is sent as a bearer token on every request. directory is the
// default working directory for requests that carry none.
func New(baseURL, secret, directory string) *Adapter {
	return &Adapter{
		baseURL:   baseURL,
		secret:    secret,
		directory: directory,
		httpClient: &http.Client{
			// No client-level timeout: prompt responses stream for as
			// long as a stage runs. Callers bound them with ctx.
		},
	}
}

var _ agent.Adapter = (*Adapter)(nil)

// SetBreaker attaches a circuit breaker to session control calls.
// Streaming prompt bodies are not wrapped, only their initiation.
func (a *Adapter) SetBreaker(b *resilience.Breaker) {
	a.breaker = b
}

// Kind reports "live".
func (a *Adapter) Kind() string { return agent.KindLive }

// resolveDir falls back to the adapter's configured working directory.
func (a *Adapter) resolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	return a.directory
}

// CreateSession opens a backend session for the run.
func (a *Adapter) CreateSession(ctx context.Context, cfg agent.SessionConfig) (string, error) {
	body, err := json.Marshal(map[string]string{
		"runId":     cfg.RunID,
		"model":     cfg.Model,
		"directory": a.resolveDir(cfg.Directory),
	})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	var sessionID string
	call := func() error {
		resp, err := a.doJSON(ctx, http.MethodPost, "/v1/sessions", body)
		if err != nil {
			return err
		}
		var out struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(resp, &out); err != nil {
			return fmt.Errorf("unmarshal session response: %w", err)
		}
		if out.SessionID == "" {
			return fmt.Errorf("backend returned empty session id")
		}
		sessionID = out.SessionID
		return nil
	}

	if err := a.execute(call); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

// CancelSession asks the backend to stop the session. Best effort.
func (a *Adapter) CancelSession(ctx context.Context, sessionID string) error {
	call := func() error {
		_, err := a.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/cancel", nil)
		return err
	}
	if err := a.execute(call); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	return nil
}

// SendPrompt posts the prompt and streams the NDJSON response body as
// chunks. The returned channel closes when the stream ends or ctx is
// canceled. A stream that dies mid-flight yields a final error chunk.
func (a *Adapter) SendPrompt(ctx context.Context, preq agent.PromptRequest) (<-chan agent.Chunk, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":    preq.Prompt,
		"model":     preq.Model,
		"directory": a.resolveDir(preq.Directory),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/sessions/"+preq.SessionID+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}

	var resp *http.Response
	call := func() error {
		r, err := a.httpClient.Do(req) //nolint:bodyclose // closed by the streaming goroutine
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		if r.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			_ = r.Body.Close()
			return fmt.Errorf("backend error %d: %s", r.StatusCode, string(data))
		}
		resp = r
		return nil
	}
	if err := a.execute(call); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	out := make(chan agent.Chunk, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			chunk, err := decodeChunk(line)
			if err != nil {
				out <- agent.Chunk{Type: agent.ChunkError, Err: err}
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				out <- agent.Chunk{Type: agent.ChunkError, Err: ctx.Err()}
				return
			}
		}
		if err := sc.Err(); err != nil {
			out <- agent.Chunk{Type: agent.ChunkError, Err: fmt.Errorf("read stream: %w", err)}
		}
	}()
	return out, nil
}

// wireChunk is the backend's NDJSON frame.
type wireChunk struct {
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`
	ToolName     string  `json:"toolName,omitempty"`
	TokensUsed   int64   `json:"tokensUsed,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	FinishReason string  `json:"finishReason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func decodeChunk(line []byte) (agent.Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(line, &w); err != nil {
		return agent.Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	c := agent.Chunk{
		Type:         agent.ChunkType(w.Type),
		Text:         w.Text,
		ToolName:     w.ToolName,
		TokensUsed:   w.TokensUsed,
		CostUSD:      w.CostUSD,
		FinishReason: w.FinishReason,
	}
	switch c.Type {
	case agent.ChunkText, agent.ChunkToolCall, agent.ChunkToolResult,
		agent.ChunkUsage, agent.ChunkFinish:
	case agent.ChunkError:
		c.Err = fmt.Errorf("backend: %s", w.Error)
	default:
		return agent.Chunk{}, fmt.Errorf("unknown chunk type %q", w.Type)
	}
	return c, nil
}

func (a *Adapter) execute(call func() error) error {
	if a.breaker != nil {
		return a.breaker.Execute(call)
	}
	return call()
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}

	ctl, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := a.httpClient.Do(req.WithContext(ctl))
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
