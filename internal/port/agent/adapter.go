// Package agent defines the coding-agent backend port (interface).
package agent

import "context"

// Adapter kinds.
const (
	KindLive = "live"
	KindMock = "mock"
)

// ChunkType tags one assistant stream chunk.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkUsage      ChunkType = "usage"
	ChunkFinish     ChunkType = "finish"
	ChunkError      ChunkType = "error"
)

// Chunk is one element of an assistant message stream. Exactly one of the
// payload fields is meaningful for a given Type.
type Chunk struct {
	Type ChunkType

	// Text holds appended assistant text for ChunkText.
	Text string

	// ToolName and ToolArgs describe a ChunkToolCall.
	ToolName string
	ToolArgs map[string]any

	// ToolCallID references the call a ChunkToolResult answers.
	ToolCallID string
	ToolOutput string

	// TokensUsed and CostUSD are cumulative per response for ChunkUsage.
	TokensUsed int64
	CostUSD    float64

	// FinishReason is set for ChunkFinish.
	FinishReason string

	// Err carries a stream failure for ChunkError; the stream ends after it.
	Err error
}

// SessionConfig configures a new backend session.
type SessionConfig struct {
	RunID     string
	Model     string
	Directory string
}

// PromptRequest is one prompt sent into an existing session.
type PromptRequest struct {
	SessionID string
	Prompt    string
	Model     string
	Directory string
}

// Adapter is the port interface for the remote coding-agent backend.
// Implementations must preserve chunk order per session.
type Adapter interface {
	// Kind reports "live" or "mock".
	Kind() string

	// CreateSession opens a backend session and returns its ID.
	CreateSession(ctx context.Context, cfg SessionConfig) (string, error)

	// SendPrompt sends a prompt and returns the assistant chunk stream.
	// The channel is closed after a finish or error chunk.
	SendPrompt(ctx context.Context, req PromptRequest) (<-chan Chunk, error)

	// CancelSession cancels the session best-effort. Idempotent.
	CancelSession(ctx context.Context, sessionID string) error
}
